package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and where its configuration lives.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none was set.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{BinaryName: "tsroute", EnvPrefix: "TSROUTE", ConfigName: "tsroute"}
}

// EnvSpec binds one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the application identity.
func SetIdentity(id *AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// Identity returns the application identity, or nil before Load or SetIdentity.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetConfigFile makes Load read path ahead of user and project config files.
// An empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults seeds v with every default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("router.config_path", "")
	v.SetDefault("router.delivery_timeout", "10s")

	v.SetDefault("jobs.tasks_per_second", 0)
	v.SetDefault("jobs.retain_for", "1h")
	v.SetDefault("jobs.reap_every", "1m")
	v.SetDefault("jobs.archive_dir", "")

	v.SetDefault("objectstore.backend", BackendBlob)
	v.SetDefault("objectstore.url", "mem://")
	v.SetDefault("objectstore.server_id", 1)
	v.SetDefault("objectstore.database", "default")

	v.SetDefault("transport.write_path", "/api/v1/write")
	v.SetDefault("transport.compression", "zstd")
	v.SetDefault("transport.timeout", "10s")
	v.SetDefault("transport.queue_prefix", "mem://")
}

// Load builds the configuration. Precedence, highest first: runtime
// overrides, environment, config files, defaults. The result becomes the
// value returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	for _, path := range configPaths() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flatten turns nested override maps into dotted keys so each one lands in
// viper's override layer.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecs()
}

// envSpecs lists the short environment names. Every other key is still
// reachable as PREFIX_SECTION_KEY through AutomaticEnv. Callers hold configMu.
func envSpecs() []EnvSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "WORKERS", Path: "workers"},
		{Name: p + "ROUTER_CONFIG", Path: "router.config_path"},
		{Name: p + "DELIVERY_TIMEOUT", Path: "router.delivery_timeout"},
		{Name: p + "TASKS_PER_SECOND", Path: "jobs.tasks_per_second"},
		{Name: p + "JOB_ARCHIVE_DIR", Path: "jobs.archive_dir"},
		{Name: p + "OBJECTSTORE_URL", Path: "objectstore.url"},
		{Name: p + "SERVER_ID", Path: "objectstore.server_id"},
		{Name: p + "DATABASE", Path: "objectstore.database"},
		{Name: p + "S3_BUCKET", Path: "objectstore.s3.bucket"},
		{Name: p + "S3_REGION", Path: "objectstore.s3.region"},
		{Name: p + "S3_ENDPOINT", Path: "objectstore.s3.endpoint"},
	}
}

// configPaths returns existing config files in merge order: project, user,
// then the explicit file. Callers hold configMu.
func configPaths() []string {
	var paths []string
	if root, err := findProjectRoot(); err == nil {
		for _, ext := range []string{"yaml", "yml", "json"} {
			p := filepath.Join(root, "config", appIdentity.ConfigName+"."+ext)
			if fileExists(p) {
				paths = append(paths, p)
				break
			}
		}
	}
	for _, p := range userConfigPaths() {
		if fileExists(p) {
			paths = append(paths, p)
			break
		}
	}
	if configFile != "" {
		paths = append(paths, configFile)
	}
	return paths
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPaths()
}

func userConfigPaths() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	name := appIdentity.ConfigName
	return []string{
		filepath.Join(dir, name, name+".yaml"),
		filepath.Join(dir, name, name+".yml"),
		filepath.Join(dir, name, name+".json"),
	}
}

// findProjectRoot locates the nearest ancestor holding go.mod or .git. In CI
// a workspace hint wins when it is absolute, exists and contains the working
// directory. Without a marker the working directory is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}

	if isCI() {
		for _, name := range boundaryEnvVars() {
			if root := ciBoundary(os.Getenv(name), cwd); root != "" {
				return root, nil
			}
		}
	}

	for dir := cwd; ; {
		if fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func boundaryEnvVars() []string {
	prefix := "TSROUTE"
	if appIdentity != nil && appIdentity.EnvPrefix != "" {
		prefix = appIdentity.EnvPrefix
	}
	return []string{prefix + "_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}
}

func ciBoundary(hint, cwd string) string {
	if hint == "" || !filepath.IsAbs(hint) {
		return ""
	}
	info, err := os.Stat(hint)
	if err != nil || !info.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(hint, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.Clean(hint)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
