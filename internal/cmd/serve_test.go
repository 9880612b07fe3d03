package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/tsroute/internal/config"
	"github.com/3leaps/tsroute/internal/observability"
	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/router"
)

const testRoutes = `
rules:
  - matcher:
      table_name_regex: "^temp_"
    shard: 1
shards:
  1:
    discard: {}
`

func writeRoutes(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(routes string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			IdleTimeout:     time.Second,
			ShutdownTimeout: time.Second,
		},
		Logging: config.LoggingConfig{Level: "debug", Profile: observability.ProfileStructured},
		Metrics: config.MetricsConfig{Enabled: true},
		Health:  config.HealthConfig{Enabled: true},
		Workers: 2,
		Router:  config.RouterConfig{ConfigPath: routes, DeliveryTimeout: time.Second},
		Jobs:    config.JobsConfig{RetainFor: time.Hour, ReapEvery: time.Minute},
		ObjectStore: config.ObjectStoreConfig{
			Backend:  config.BackendBlob,
			URL:      "mem://",
			ServerID: 1,
			Database: "default",
		},
		Transport: config.TransportConfig{
			Nodes:       map[string]string{"7": "http://127.0.0.1:1"},
			WritePath:   "/api/v1/write",
			Compression: "zstd",
			Timeout:     time.Second,
			QueuePrefix: "mem://",
		},
	}
}

func TestNewService(t *testing.T) {
	svc, err := newService(context.Background(), testConfig(writeRoutes(t, testRoutes)), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.close(context.Background()) })

	h := svc.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/config", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Nil(t, svc.metricsSrv, "metrics port zero keeps /metrics on the main listener")
}

func TestNewService_WithoutRoutes(t *testing.T) {
	svc, err := newService(context.Background(), testConfig(""), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.close(context.Background()) })

	rec := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Reload without a path keeps the router empty.
	svc.reload()
	_, ok := svc.router.Snapshot()
	assert.False(t, ok)
}

func TestNewService_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := testConfig(writeRoutes(t, "shards: {}\nrules:\n  - shard: 9\n"))
	_, err := newService(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidData, ExitCode(err))

	cfg = testConfig("")
	cfg.ObjectStore.URL = "nosuchscheme://bucket"
	_, err = newService(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Equal(t, ExitUnavailable, ExitCode(err))

	cfg = testConfig("")
	cfg.Transport.Nodes = map[string]string{"node-a": "http://x"}
	_, err = newService(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestService_Reload(t *testing.T) {
	path := writeRoutes(t, testRoutes)
	svc, err := newService(context.Background(), testConfig(path), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.close(context.Background()) })

	before, ok := svc.router.Snapshot()
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(testRoutes+"  2:\n    discard: {}\nhash_ring:\n  table_name: true\n  shards: [2]\n"), 0o644))
	svc.reload()
	after, ok := svc.router.Snapshot()
	require.True(t, ok)
	assert.Greater(t, after.Version, before.Version)

	// A broken file leaves the active configuration in place.
	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	svc.reload()
	current, _ := svc.router.Snapshot()
	assert.Equal(t, after.Version, current.Version)
}

func TestService_Run(t *testing.T) {
	svc, err := newService(context.Background(), testConfig(""), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_RunCancelsQueuedJobs(t *testing.T) {
	cfg := testConfig("")
	cfg.Workers = 1
	cfg.Jobs.TasksPerSecond = 2
	svc, err := newService(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	rec := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/noop", strings.NewReader(`{"tasks":100}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started struct {
		JobID jobs.ID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown waited for queued job tasks")
	}

	job, err := svc.tracker.Get(started.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateTerminal, job.State)
	assert.Equal(t, uint64(1), job.SuccessTasks)
	assert.Equal(t, uint64(99), job.CancelledTasks)
}

func TestRouterHealthChecker(t *testing.T) {
	rt := router.New()
	checker := routerHealthChecker{router: rt}
	assert.ErrorIs(t, checker.CheckHealth(context.Background()), router.ErrNotLoaded)

	require.NoError(t, rt.LoadFile(writeRoutes(t, testRoutes)))
	assert.NoError(t, checker.CheckHealth(context.Background()))
}

func TestStoreHealthChecker(t *testing.T) {
	store, err := objectstore.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	db, err := objectstore.NewDatabase(store, 1, "default")
	require.NoError(t, err)

	checker := storeHealthChecker{db: db}
	assert.NoError(t, checker.CheckHealth(context.Background()))

	require.NoError(t, store.Close())
	assert.Error(t, checker.CheckHealth(context.Background()))
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateCommand(t *testing.T) {
	out, err := executeCommand(t, "config", "validate", writeRoutes(t, testRoutes))
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 rules, 1 shards)")

	_, err = executeCommand(t, "config", "validate", writeRoutes(t, "rules:\n  - shard: 4\nshards: {}\n"))
	require.Error(t, err)
	assert.Equal(t, ExitInvalidData, ExitCode(err))

	_, err = executeCommand(t, "config", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, ExitInvalidData, ExitCode(err))
}

func TestConfigDefaultsCommand(t *testing.T) {
	out, err := executeCommand(t, "config", "defaults")
	require.NoError(t, err)
	assert.Contains(t, out, "delivery_timeout: 10s")
	assert.Contains(t, out, "workers: 4")
}
