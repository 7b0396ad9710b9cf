package models

import (
	"fmt"
	"net/url"
)

// ProjectConfig is the top-level configuration for mediaflow
type ProjectConfig struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Transport  TransportConfig  `yaml:"transport" json:"transport"`
	Barrier    BarrierConfig    `yaml:"barrier" json:"barrier"`
	Callback   CallbackConfig   `yaml:"callback" json:"callback"`
	Properties PropertiesConfig `yaml:"properties" json:"properties"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// StoreConfig selects the job/media/track store
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" | "memory"
	Path   string `yaml:"path" json:"path"`
}

// TransportConfig selects how work units reach workers
type TransportConfig struct {
	Driver        string `yaml:"driver" json:"driver"` // "amqp" | "loopback"
	AMQPURL       string `yaml:"amqp_url" json:"amqp_url"`
	ResponseQueue string `yaml:"response_queue" json:"response_queue"`
}

// BarrierConfig selects where completion counters live
type BarrierConfig struct {
	Driver     string `yaml:"driver" json:"driver"` // "memory" | "redis"
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr"`
	TTLMinutes int    `yaml:"ttl_minutes" json:"ttl_minutes"`
}

// CallbackConfig controls job-completion callbacks
type CallbackConfig struct {
	Retry     RetryConfig `yaml:"retry" json:"retry"`
	TimeoutMs int64       `yaml:"timeout_ms" json:"timeout_ms"`
}

// RetryConfig controls retry behavior for transient errors
type RetryConfig struct {
	MaxAttempts      int   `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMs int64 `yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs     int64 `yaml:"max_backoff_ms" json:"max_backoff_ms"`
}

// PropertiesConfig feeds the property resolver
type PropertiesConfig struct {
	EnvPrefix    string            `yaml:"env_prefix" json:"env_prefix"`
	System       map[string]string `yaml:"system" json:"system"`
	WorkflowFile string            `yaml:"workflow_file" json:"workflow_file"`
}

// OutputConfig controls where and how output documents are written
type OutputConfig struct {
	Dir                string   `yaml:"dir" json:"dir"`
	SiteID             string   `yaml:"site_id" json:"site_id"`
	CensoredProperties []string `yaml:"censored_properties" json:"censored_properties"`
}

// EngineConfig tunes the serve loop
type EngineConfig struct {
	PollIntervalMs int64 `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	// Concurrency bounds in-process work: loopback workers and response handlers
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() ProjectConfig {
	return ProjectConfig{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./mediaflow.db",
		},
		Transport: TransportConfig{
			Driver:        "loopback",
			ResponseQueue: "MEDIAFLOW.DETECTION_RESPONSE",
		},
		Barrier: BarrierConfig{
			Driver:     "memory",
			TTLMinutes: 24 * 60,
		},
		Callback: CallbackConfig{
			Retry: RetryConfig{
				MaxAttempts:      10,
				InitialBackoffMs: 100,
				MaxBackoffMs:     30000,
			},
			TimeoutMs: 10000,
		},
		Properties: PropertiesConfig{
			EnvPrefix: "MEDIAFLOW_PROP",
			System:    map[string]string{},
		},
		Output: OutputConfig{
			Dir:                "./output",
			CensoredProperties: []string{"S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_SESSION_TOKEN"},
		},
		Engine: EngineConfig{
			PollIntervalMs: 1000,
			Concurrency:    8,
		},
		LogLevel: "info",
	}
}

// Validate checks if the configuration is usable
func (c *ProjectConfig) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Transport.Driver {
	case "loopback":
	case "amqp":
		if c.Transport.AMQPURL == "" {
			return fmt.Errorf("transport.amqp_url is required for the amqp driver")
		}
		if _, err := url.Parse(c.Transport.AMQPURL); err != nil {
			return fmt.Errorf("invalid transport.amqp_url: %w", err)
		}
	default:
		return fmt.Errorf("unknown transport.driver %q", c.Transport.Driver)
	}

	switch c.Barrier.Driver {
	case "memory":
	case "redis":
		if c.Barrier.RedisAddr == "" {
			return fmt.Errorf("barrier.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown barrier.driver %q", c.Barrier.Driver)
	}

	if err := c.Callback.Retry.Validate(); err != nil {
		return fmt.Errorf("callback.retry: %w", err)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	return nil
}

// Validate checks retry bounds
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.InitialBackoffMs <= 0 {
		return fmt.Errorf("initial_backoff_ms must be > 0, got %d", r.InitialBackoffMs)
	}
	if r.MaxBackoffMs < r.InitialBackoffMs {
		return fmt.Errorf("max_backoff_ms (%d) must be >= initial_backoff_ms (%d)", r.MaxBackoffMs, r.InitialBackoffMs)
	}
	return nil
}
