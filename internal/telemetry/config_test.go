package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "loopforged", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricsInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "https://otel.example.com:4318",
		Protocol:    ProtocolHTTP,
		SampleRate:  0.25,
		ServiceName: "loopforged-staging",
	}, "1.4.0")

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, "https://otel.example.com:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, "loopforged-staging", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.NoError(t, cfg.Validate())

	defaults := FromSettings(config.TelemetryConfig{}, "")
	assert.Equal(t, NewDefaultConfig().Endpoint, defaults.Endpoint)
	assert.Equal(t, "dev", defaults.ServiceVersion)
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mut func(*Config)) *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		mut(cfg)
		return cfg
	}

	tests := []struct {
		name   string
		config *Config
		errMsg string
	}{
		{"disabled config skips validation", &Config{}, ""},
		{"local insecure endpoint", enabled(func(*Config) {}), ""},
		{"missing endpoint", enabled(func(c *Config) { c.Endpoint = "" }), "endpoint is required"},
		{"missing service name", enabled(func(c *Config) { c.ServiceName = "" }), "service_name is required"},
		{"unknown protocol", enabled(func(c *Config) { c.Protocol = "udp" }), "protocol must be"},
		{"insecure remote endpoint", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), "insecure connections"},
		{"secure remote endpoint", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }), ""},
		{"sample rate above one", enabled(func(c *Config) { c.SampleRate = 1.5 }), "sample_rate"},
		{"negative sample rate", enabled(func(c *Config) { c.SampleRate = -0.1 }), "sample_rate"},
		{"zero metrics interval", enabled(func(c *Config) { c.MetricsInterval = 0 }), "metrics interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"127.0.1.1:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"http://localhost:4318", true},
		{"otel.example.com:4317", false},
		{"https://otel.example.com", false},
		{"10.0.0.5:4317", false},
	}
	for _, tt := range tests {
		cfg := &Config{Endpoint: tt.endpoint}
		assert.Equal(t, tt.want, cfg.isLocalEndpoint(), tt.endpoint)
	}
}
