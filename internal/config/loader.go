package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variable names before mapping.
	EnvPrefix = "LOOPFORGE_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LOOPFORGE_QUEUE_CONCURRENCY, LOOPFORGE_GITHUB_TOKEN, etc.)
//  2. YAML config file (~/.config/loopforge/config.yaml)
//  3. Hardcoded defaults
//
// The config file must live under ~/.config/loopforge/ or /etc/loopforge/,
// be at most 1MB, and have 0600 or 0400 permissions.
//
// Environment variables map on the first underscore after the prefix:
//
//	LOOPFORGE_SERVER_HTTP_PORT   -> server.http_port
//	LOOPFORGE_AUTOMERGE_INTERVAL -> automerge.interval
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "loopforge", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps LOOPFORGE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the same
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Symlinks are resolved so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "loopforge"),
		"/etc/loopforge",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/loopforge/ or /etc/loopforge/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.TailBudget == 0 {
		cfg.Server.TailBudget = Duration(30 * time.Minute)
	}

	if cfg.NATS.URL == "" && !cfg.NATS.Embedded {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(2 * time.Second)
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "loopforge"
	}

	// Queue defaults: 5 workers, 3 attempts, exponential backoff from 5s,
	// 100 completed / 50 failed records of history.
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.InitialBackoff == 0 {
		cfg.Queue.InitialBackoff = Duration(5 * time.Second)
	}
	if cfg.Queue.AckWait == 0 {
		cfg.Queue.AckWait = Duration(2 * time.Minute)
	}
	if cfg.Queue.LeaseTTL == 0 {
		cfg.Queue.LeaseTTL = Duration(30 * time.Minute)
	}
	if cfg.Queue.LeaseRetry == 0 {
		cfg.Queue.LeaseRetry = Duration(10 * time.Second)
	}
	if cfg.Queue.HistoryCompleted == 0 {
		cfg.Queue.HistoryCompleted = 100
	}
	if cfg.Queue.HistoryFailed == 0 {
		cfg.Queue.HistoryFailed = 50
	}

	if cfg.Execution.TreeEntries == 0 {
		cfg.Execution.TreeEntries = 30
	}
	if cfg.Execution.ContextFiles == 0 {
		cfg.Execution.ContextFiles = 5
	}
	if cfg.Execution.MaxTokens == 0 {
		cfg.Execution.MaxTokens = 8192
	}

	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = "loopforge_state"
	}
	if cfg.Store.FlushInterval == 0 {
		cfg.Store.FlushInterval = Duration(2 * time.Second)
	}

	if cfg.AutoMerge.Driver == "" {
		cfg.AutoMerge.Driver = "local"
	}
	if cfg.AutoMerge.Interval == 0 {
		cfg.AutoMerge.Interval = Duration(30 * time.Second)
	}
	if cfg.AutoMerge.MaxAttempts == 0 {
		cfg.AutoMerge.MaxAttempts = 40
	}
	if cfg.AutoMerge.MergeMethod == "" {
		cfg.AutoMerge.MergeMethod = "squash"
	}

	if cfg.GitHub.MaxRetries == 0 {
		cfg.GitHub.MaxRetries = 3
	}
	if cfg.GitHub.InitialBackoff == 0 {
		cfg.GitHub.InitialBackoff = Duration(time.Second)
	}
	if cfg.GitHub.MaxBackoff == 0 {
		cfg.GitHub.MaxBackoff = Duration(30 * time.Second)
	}

	if cfg.Provider.RequestsPerSecond == 0 {
		cfg.Provider.RequestsPerSecond = 2
	}
	if cfg.Provider.Burst == 0 {
		cfg.Provider.Burst = 4
	}
	if cfg.Provider.RateLimitRetries == 0 {
		cfg.Provider.RateLimitRetries = 2
	}
	if cfg.Provider.RateLimitBackoff == 0 {
		cfg.Provider.RateLimitBackoff = Duration(60 * time.Second)
	}
	if cfg.Provider.PlanMaxTokens == 0 {
		cfg.Provider.PlanMaxTokens = 2048
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(5 * time.Minute)
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 1024
	}
	if cfg.Cache.Bucket == "" {
		cfg.Cache.Bucket = "loopforge_provider_cache"
	}

	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "loopforge-automerge"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "loopforge"
	}
}
