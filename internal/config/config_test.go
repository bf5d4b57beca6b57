package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Queue.Concurrency = 0 },
			wantErr: "queue.concurrency",
		},
		{
			name:    "short lease ttl",
			mutate:  func(c *Config) { c.Queue.LeaseTTL = Duration(time.Second) },
			wantErr: "queue.lease_ttl",
		},
		{
			name: "lease shorter than ack wait",
			mutate: func(c *Config) {
				c.Queue.AckWait = Duration(10 * time.Minute)
				c.Queue.LeaseTTL = Duration(time.Minute)
			},
			wantErr: "must be at least queue.ack_wait",
		},
		{
			name:    "temporal driver without host",
			mutate:  func(c *Config) { c.AutoMerge.Driver = "temporal" },
			wantErr: "temporal.host_port",
		},
		{
			name: "temporal driver with host",
			mutate: func(c *Config) {
				c.AutoMerge.Driver = "temporal"
				c.Temporal.HostPort = "localhost:7233"
			},
		},
		{
			name:    "unknown cache driver",
			mutate:  func(c *Config) { c.Cache.Driver = "redis" },
			wantErr: "cache.driver",
		},
		{
			name: "embedded nats needs no url",
			mutate: func(c *Config) {
				c.NATS.URL = ""
				c.NATS.Embedded = true
			},
		},
		{
			name:    "missing nats url",
			mutate:  func(c *Config) { c.NATS.URL = "" },
			wantErr: "nats.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	b, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(b))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", string(text))
}
