// Package config loads service configuration from defaults, config files,
// environment variables and runtime overrides.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/3leaps/tsroute/pkg/objectstore"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Debug       DebugConfig       `mapstructure:"debug"`
	Workers     int               `mapstructure:"workers"`
	Router      RouterConfig      `mapstructure:"router"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Transport   TransportConfig   `mapstructure:"transport"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port serves /metrics on a separate listener. Zero disables it; the
	// main server exposes /metrics either way.
	Port int `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// RouterConfig locates the routing document.
type RouterConfig struct {
	ConfigPath      string        `mapstructure:"config_path"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// JobsConfig tunes background job execution and retention.
type JobsConfig struct {
	TasksPerSecond float64       `mapstructure:"tasks_per_second"`
	RetainFor      time.Duration `mapstructure:"retain_for"`
	ReapEvery      time.Duration `mapstructure:"reap_every"`
	ArchiveDir     string        `mapstructure:"archive_dir"`
}

// ObjectStoreConfig selects the store holding persisted chunks and the catalog.
// Backend "blob" opens URL through gocloud; "s3" uses S3 directly.
type ObjectStoreConfig struct {
	Backend  string               `mapstructure:"backend"`
	URL      string               `mapstructure:"url"`
	ServerID uint32               `mapstructure:"server_id"`
	Database string               `mapstructure:"database"`
	S3       objectstore.S3Config `mapstructure:"s3"`
}

// TransportConfig configures delivery to storage nodes and queues.
type TransportConfig struct {
	// Nodes maps node ids to base addresses.
	Nodes       map[string]string `mapstructure:"nodes"`
	WritePath   string            `mapstructure:"write_path"`
	Compression string            `mapstructure:"compression"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	QueuePrefix string            `mapstructure:"queue_prefix"`
}

// NodeAddresses parses the node map keys as node ids.
func (t TransportConfig) NodeAddresses() (map[uint32]string, error) {
	out := make(map[uint32]string, len(t.Nodes))
	for k, addr := range t.Nodes {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("transport.nodes: invalid node id %q", k)
		}
		out[uint32(id)] = addr
	}
	return out, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Jobs.TasksPerSecond < 0 {
		return fmt.Errorf("jobs.tasks_per_second must not be negative")
	}
	switch c.ObjectStore.Backend {
	case BackendBlob:
		if c.ObjectStore.URL == "" {
			return fmt.Errorf("objectstore.url is required for the blob backend")
		}
	case BackendS3:
		if err := c.ObjectStore.S3.Validate(); err != nil {
			return fmt.Errorf("objectstore.s3: %w", err)
		}
	default:
		return fmt.Errorf("objectstore.backend %q is not one of %s, %s", c.ObjectStore.Backend, BackendBlob, BackendS3)
	}
	if _, err := c.Transport.NodeAddresses(); err != nil {
		return err
	}
	return nil
}

// Object store backends.
const (
	BackendBlob = "blob"
	BackendS3   = "s3"
)
