// Package config provides the unified configuration system for Conduit.
// It defines a single EngineConfig structure covering every tunable of the
// synchronization engine, organized into logical sections:
//
//   - Queue: dispatcher capacity and backpressure
//   - Workers: delivery pool sizing
//   - Retry: backoff behavior for retryable delivery failures
//   - Health: rolling-window health scoring
//   - Shutdown: graceful-drain behavior
//   - Storage: backend endpoints and the routing table
//   - HTTP: the health/metrics listener
//   - Audit: terminal-failure audit trail
//   - Logging: structured log output
//
// Example usage:
//
//	cfg := config.NewEngineConfig()
//	cfg.Workers.Count = 16
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// EngineConfig is the single configuration structure for the engine.
type EngineConfig struct {
	Queue    QueueConfig    `yaml:"queue" json:"queue" mapstructure:"queue"`
	Workers  WorkerConfig   `yaml:"workers" json:"workers" mapstructure:"workers"`
	Retry    RetryConfig    `yaml:"retry" json:"retry" mapstructure:"retry"`
	Health   HealthConfig   `yaml:"health" json:"health" mapstructure:"health"`
	Shutdown ShutdownConfig `yaml:"shutdown" json:"shutdown" mapstructure:"shutdown"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" mapstructure:"storage"`
	HTTP     HTTPConfig     `yaml:"http" json:"http" mapstructure:"http"`
	Audit    AuditConfig    `yaml:"audit" json:"audit" mapstructure:"audit"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging" mapstructure:"logging"`

	// Sources lists the connectors the supervisor schedules at startup.
	Sources []SourceConfig `yaml:"sources" json:"sources" mapstructure:"sources"`
}

// QueueConfig controls the dispatcher buffer between collection and delivery.
type QueueConfig struct {
	// MaxSize is the hard capacity; pushes beyond it fail with ErrQueueFull
	MaxSize int `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
}

// WorkerConfig controls the delivery worker pool.
type WorkerConfig struct {
	// Count is the fixed number of delivery workers
	Count int `yaml:"count" json:"count" mapstructure:"count"`
}

// RetryConfig controls exponential backoff for retryable delivery failures.
type RetryConfig struct {
	// MaxAttempts bounds delivery attempts before an envelope is terminal
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`
	// BaseDelay is the backoff base (delay = base * 2^attempt)
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`
	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`
	// JitterFactor is the symmetric jitter fraction applied to the delay
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor" mapstructure:"jitter_factor"`
}

// HealthConfig controls rolling health scoring.
type HealthConfig struct {
	// Interval is how often the score is recomputed
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	// Window is the rolling window the score is computed over
	Window time.Duration `yaml:"window" json:"window" mapstructure:"window"`
	// DegradedThreshold marks a source degraded after this many consecutive
	// collection failures
	DegradedThreshold int `yaml:"degraded_threshold" json:"degraded_threshold" mapstructure:"degraded_threshold"`
}

// ShutdownConfig controls graceful drain at shutdown.
type ShutdownConfig struct {
	// DrainTimeout bounds how long in-flight deliveries may run after stop
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" mapstructure:"drain_timeout"`
}

// StorageConfig holds backend endpoints and the routing table.
type StorageConfig struct {
	Relational RelationalConfig `yaml:"relational" json:"relational" mapstructure:"relational"`
	TimeSeries TimeSeriesConfig `yaml:"timeseries" json:"timeseries" mapstructure:"timeseries"`
	Document   DocumentConfig   `yaml:"document" json:"document" mapstructure:"document"`

	// Routes maps a record type to a backend name ("relational",
	// "timeseries", "document", "memory"). Unset types use the default table.
	Routes map[string]string `yaml:"routes" json:"routes" mapstructure:"routes"`
}

// RelationalConfig configures the PostgreSQL backend.
type RelationalConfig struct {
	DSN             string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	Table           string `yaml:"table" json:"table" mapstructure:"table"`
	EncryptedAtRest bool   `yaml:"encrypted_at_rest" json:"encrypted_at_rest" mapstructure:"encrypted_at_rest"`
}

// TimeSeriesConfig configures the Redis time-series backend.
type TimeSeriesConfig struct {
	Addr            string `yaml:"addr" json:"addr" mapstructure:"addr"`
	Password        string `yaml:"password" json:"password" mapstructure:"password"`
	DB              int    `yaml:"db" json:"db" mapstructure:"db"`
	KeyPrefix       string `yaml:"key_prefix" json:"key_prefix" mapstructure:"key_prefix"`
	EncryptedAtRest bool   `yaml:"encrypted_at_rest" json:"encrypted_at_rest" mapstructure:"encrypted_at_rest"`
}

// DocumentConfig configures the OpenSearch backend.
type DocumentConfig struct {
	URL             string `yaml:"url" json:"url" mapstructure:"url"`
	Username        string `yaml:"username" json:"username" mapstructure:"username"`
	Password        string `yaml:"password" json:"password" mapstructure:"password"`
	Index           string `yaml:"index" json:"index" mapstructure:"index"`
	Insecure        bool   `yaml:"insecure" json:"insecure" mapstructure:"insecure"`
	EncryptedAtRest bool   `yaml:"encrypted_at_rest" json:"encrypted_at_rest" mapstructure:"encrypted_at_rest"`
}

// HTTPConfig configures the health/metrics listener.
type HTTPConfig struct {
	Addr    string `yaml:"addr" json:"addr" mapstructure:"addr"`
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// AuditConfig configures the terminal-failure audit trail.
type AuditConfig struct {
	// NATSURL enables the JetStream audit publisher when set
	NATSURL string `yaml:"nats_url" json:"nats_url" mapstructure:"nats_url"`
	// SubjectPrefix is prepended to audit subjects
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix" mapstructure:"subject_prefix"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level" mapstructure:"level"`
	Encoding    string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
	Development bool   `yaml:"development" json:"development" mapstructure:"development"`
}

// SourceConfig describes one connector registration.
type SourceConfig struct {
	// Name identifies the source (e.g. "NCA", "SAMA", "MoH")
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Type selects the registered connector factory
	Type string `yaml:"type" json:"type" mapstructure:"type"`
	// PollInterval is the collection cadence
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
	// Timeout bounds a single Collect call
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// PriorityHint is the default priority for emitted envelopes
	PriorityHint string `yaml:"priority_hint" json:"priority_hint" mapstructure:"priority_hint"`
	// Strategies orders the fallback chain (rss, api, scrape)
	Strategies []string `yaml:"strategies" json:"strategies" mapstructure:"strategies"`
	// Options carries connector-specific settings
	Options map[string]string `yaml:"options" json:"options" mapstructure:"options"`
}

// NewEngineConfig returns an EngineConfig with production defaults.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		Queue: QueueConfig{
			MaxSize: 10000,
		},
		Workers: WorkerConfig{
			Count: runtime.NumCPU(),
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.2,
		},
		Health: HealthConfig{
			Interval:          30 * time.Second,
			Window:            15 * time.Minute,
			DegradedThreshold: 5,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Relational: RelationalConfig{
				Table:           "records",
				EncryptedAtRest: true,
			},
			TimeSeries: TimeSeriesConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "conduit",
			},
			Document: DocumentConfig{
				URL:   "https://localhost:9200",
				Index: "conduit-records",
			},
			Routes: map[string]string{},
		},
		HTTP: HTTPConfig{
			Addr:    ":8090",
			Enabled: true,
		},
		Audit: AuditConfig{
			SubjectPrefix: "conduit.audit",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks required fields and value ranges. Call it after loading
// configuration to catch errors before the engine starts.
func (c *EngineConfig) Validate() error {
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		return fmt.Errorf("retry.jitter_factor must be in [0, 1)")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.Window < c.Health.Interval {
		return fmt.Errorf("health.window must be >= health.interval")
	}
	if c.Shutdown.DrainTimeout < 0 {
		return fmt.Errorf("shutdown.drain_timeout cannot be negative")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Type == "" {
			return fmt.Errorf("source %s: type is required", s.Name)
		}
		if s.PollInterval <= 0 {
			return fmt.Errorf("source %s: poll_interval must be positive", s.Name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("source %s: timeout must be positive", s.Name)
		}
	}
	return nil
}

// GetWorkers returns the worker count, ensuring it's at least 1
func (w *WorkerConfig) GetWorkers() int {
	if w.Count <= 0 {
		return runtime.NumCPU()
	}
	return w.Count
}
