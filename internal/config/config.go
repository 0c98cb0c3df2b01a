// Package config loads the daemon's configuration: a JSON file holding a
// struct-of-structs Config, with exactly one field overridable from the
// environment — the socket path, VERITAS_SOCKET_PATH. Every other setting
// (secrets, timeouts, pool limits, observability) must come from the
// config file so that a shared secret can never be accidentally pulled
// from a stray environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/circuitbreaker"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/modelstore"
	"github.com/veritas/spark/internal/observability"
	"github.com/veritas/spark/internal/stream"
)

// MetricsConfig holds Prometheus metrics settings, unchanged in shape from
// the Prometheus metrics layer.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// SessionConfig holds the session authenticator's settings. The shared
// secret lives only here, never in the environment.
type SessionConfig struct {
	SharedSecret   string        `json:"shared_secret"`
	SessionTimeout time.Duration `json:"session_timeout"`

	// DenylistRedisAddr, when non-empty, backs the session authenticator's
	// revocation check with Redis so a revoked session stays revoked
	// across a daemon restart. Empty disables the denylist entirely.
	DenylistRedisAddr string `json:"denylist_redis_addr"`
}

// QueueConfig holds the admission queue's settings.
type QueueConfig struct {
	MaxPending int `json:"max_pending"`
}

// ConnConfig holds per-connection handler settings.
type ConnConfig struct {
	MaxFrameSize       int `json:"max_frame_size"`
	MaxProtocolVersion int `json:"max_protocol_version"`
}

// RuntimeConfig holds the top-level daemon process settings.
type RuntimeConfig struct {
	SocketPath      string        `json:"socket_path"`
	Workers         int           `json:"workers"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	ModelRegistry   string        `json:"model_registry"`   // optional YAML path
	HealthGRPCAddr  string        `json:"health_grpc_addr"` // empty disables the loopback gRPC health probe service
}

// Config is the central configuration struct embedding all component
// configs, loaded from a single JSON file.
type Config struct {
	Runtime       RuntimeConfig         `json:"runtime"`
	Session       SessionConfig         `json:"session"`
	Queue         QueueConfig           `json:"queue"`
	Conn          ConnConfig            `json:"conn"`
	Pool          modelpool.Config      `json:"pool"`
	Stream        stream.Config         `json:"stream"`
	Backend       backend.Config        `json:"backend"`
	Breaker       circuitbreaker.Config `json:"breaker"`
	ModelStore    ModelStoreConfig      `json:"model_store"`
	Observability ObservabilityConfig   `json:"observability"`
}

// ModelStoreConfig configures the optional S3-backed model artifact
// staging store. An empty Region and Endpoint still produce a usable
// Store (falling back to the default AWS credential chain and endpoint);
// RuntimeConfig.ModelRegistry entries whose source is not an s3:// URI
// never consult the store regardless of this config.
type ModelStoreConfig struct {
	Enabled         bool   `json:"enabled"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	StageDir        string `json:"stage_dir"`
}

// StoreConfig converts to the modelstore package's own Config shape.
func (c ModelStoreConfig) StoreConfig() modelstore.Config {
	return modelstore.Config{
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		StageDir:        c.StageDir,
	}
}

// ObservabilityConfig holds the ambient tracing/metrics/logging settings,
// mirroring the daemon's logging/tracing/metrics grouping.
type ObservabilityConfig struct {
	Tracing observability.Config `json:"tracing"`
	Metrics MetricsConfig        `json:"metrics"`
	Logging LoggingConfig        `json:"logging"`
}

// DefaultConfig returns a Config with sensible defaults for local
// development; production deployments are expected to supply a JSON file
// via LoadFromFile.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			SocketPath:      "/run/spark/spark.sock",
			Workers:         4,
			ShutdownTimeout: 30 * time.Second,
			HealthGRPCAddr:  "127.0.0.1:9090",
		},
		Session: SessionConfig{
			SessionTimeout: 15 * time.Minute,
		},
		Queue: QueueConfig{
			MaxPending: 256,
		},
		Conn: ConnConfig{
			MaxFrameSize:       16 << 20,
			MaxProtocolVersion: 1,
		},
		Pool: modelpool.Config{
			MaxModels:      4,
			MaxMemoryBytes: 8 << 30,
		},
		Stream: stream.Config{
			MaxContextLength: 8192,
			Breaker: circuitbreaker.Config{
				ErrorPct:       50,
				WindowDuration: 30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 3,
			},
			DefaultTier: modelpool.Default,
		},
		Backend: backend.Config{
			MockMemoryPerModel: 512 << 20,
		},
		ModelStore: ModelStoreConfig{
			Enabled:  false,
			StageDir: "/var/lib/spark/models",
		},
		Observability: ObservabilityConfig{
			Tracing: observability.Config{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "spark",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "spark",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, overlaying it onto
// DefaultConfig so an operator's file only needs to name the fields it
// wants to change.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies the one environment override permitted:
// VERITAS_SOCKET_PATH. Every other setting, including the shared secret,
// must come from the config file.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VERITAS_SOCKET_PATH"); v != "" {
		cfg.Runtime.SocketPath = v
	}
}

// ModelRegistryEntry describes one model to preload at startup, read from
// the optional YAML registry file named by RuntimeConfig.ModelRegistry.
type ModelRegistryEntry struct {
	ModelID string `yaml:"model_id"`
	Tier    string `yaml:"tier"` // testing, default, quality
	Source  string `yaml:"source"`
	Warm    bool   `yaml:"warm"`
}

// LoadModelRegistry reads the static model registry from a YAML file. An
// empty path is not an error: the daemon simply starts with no models
// preloaded and loads them lazily on first request.
func LoadModelRegistry(path string) ([]ModelRegistryEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read model registry %s: %w", path, err)
	}
	var entries []ModelRegistryEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse model registry %s: %w", path, err)
	}
	return entries, nil
}

// ModelTier parses a registry entry's tier string into a modelpool.Tier,
// defaulting to Default for an unrecognized or empty value.
func ModelTier(s string) modelpool.Tier {
	switch s {
	case "testing":
		return modelpool.Testing
	case "quality":
		return modelpool.Quality
	default:
		return modelpool.Default
	}
}
