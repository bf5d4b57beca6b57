// Package config provides configuration loading for loopforge.
//
// Configuration is read from a YAML file and overridden by LOOPFORGE_*
// environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete loopforge configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Queue     QueueConfig     `koanf:"queue"`
	Execution ExecutionConfig `koanf:"execution"`
	AutoMerge AutoMergeConfig `koanf:"automerge"`
	GitHub    GitHubConfig    `koanf:"github"`
	Provider  ProviderConfig  `koanf:"provider"`
	Cache     CacheConfig     `koanf:"cache"`
	Store     StoreConfig     `koanf:"store"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// TailBudget caps how long a single log stream stays open.
	TailBudget Duration `koanf:"tail_budget"`
}

// NATSConfig holds NATS connection settings. The queue, repository leases,
// the provider cache and board notifications all ride on this connection.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Embedded      bool     `koanf:"embedded"`
	StoreDir      string   `koanf:"store_dir"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
	SubjectPrefix string   `koanf:"subject_prefix"`
}

// QueueConfig holds execution queue settings.
type QueueConfig struct {
	Concurrency      int      `koanf:"concurrency"`
	MaxAttempts      int      `koanf:"max_attempts"`
	InitialBackoff   Duration `koanf:"initial_backoff"`
	AckWait          Duration `koanf:"ack_wait"`
	LeaseTTL         Duration `koanf:"lease_ttl"`
	LeaseRetry       Duration `koanf:"lease_retry"`
	HistoryCompleted int      `koanf:"history_completed"`
	HistoryFailed    int      `koanf:"history_failed"`
}

// ExecutionConfig holds execution pipeline settings.
type ExecutionConfig struct {
	TreeEntries       int  `koanf:"tree_entries"`
	ContextFiles      int  `koanf:"context_files"`
	MaxTokens         int  `koanf:"max_tokens"`
	DisableSecretScan bool `koanf:"disable_secret_scan"`
}

// AutoMergeConfig controls the auto-merge watcher.
type AutoMergeConfig struct {
	// Driver is "local" (in-process poll loop) or "temporal".
	Driver      string   `koanf:"driver"`
	Interval    Duration `koanf:"interval"`
	MaxAttempts int      `koanf:"max_attempts"`
	MergeMethod string   `koanf:"merge_method"`
}

// GitHubConfig holds Git-hosting API settings.
type GitHubConfig struct {
	// Token is used for owners without a stored credential.
	Token          Secret   `koanf:"token"`
	BaseURL        string   `koanf:"base_url"`
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// ProviderConfig holds text-generation provider settings.
type ProviderConfig struct {
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	RateLimitRetries  int      `koanf:"rate_limit_retries"`
	RateLimitBackoff  Duration `koanf:"rate_limit_backoff"`
	PlanMaxTokens     int      `koanf:"plan_max_tokens"`
}

// CacheConfig holds the expiring key-value store settings used for
// provider configuration lookups.
type CacheConfig struct {
	// Driver is "memory" or "nats".
	Driver string   `koanf:"driver"`
	TTL    Duration `koanf:"ttl"`
	Size   int      `koanf:"size"`
	Bucket string   `koanf:"bucket"`
}

// StoreConfig controls task store persistence. The store lives in memory
// and is snapshotted to a JetStream object store bucket when enabled.
type StoreConfig struct {
	Snapshot      bool     `koanf:"snapshot"`
	Bucket        string   `koanf:"bucket"`
	FlushInterval Duration `koanf:"flush_interval"`
}

// TemporalConfig holds Temporal client settings for the durable auto-merge driver.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// LoggingConfig holds the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url is required unless nats.embedded is set")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be >= 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.LeaseTTL.Duration() < time.Minute {
		return fmt.Errorf("queue.lease_ttl must be at least 1m, got %s", c.Queue.LeaseTTL.Duration())
	}
	// Running jobs refresh their lease every ack_wait/2; it must survive two refreshes.
	if ack := c.Queue.AckWait.Duration(); ack > 0 && c.Queue.LeaseTTL.Duration() < ack {
		return fmt.Errorf("queue.lease_ttl (%s) must be at least queue.ack_wait (%s)",
			c.Queue.LeaseTTL.Duration(), ack)
	}

	switch c.AutoMerge.Driver {
	case "local":
	case "temporal":
		if c.Temporal.HostPort == "" {
			return errors.New("temporal.host_port is required when automerge.driver is temporal")
		}
	default:
		return fmt.Errorf("automerge.driver must be 'local' or 'temporal', got %q", c.AutoMerge.Driver)
	}
	if c.AutoMerge.MaxAttempts < 1 {
		return fmt.Errorf("automerge.max_attempts must be >= 1, got %d", c.AutoMerge.MaxAttempts)
	}

	switch c.Cache.Driver {
	case "memory", "nats":
	default:
		return fmt.Errorf("cache.driver must be 'memory' or 'nats', got %q", c.Cache.Driver)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}
