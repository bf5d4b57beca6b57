package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNew_DisabledTelemetry(t *testing.T) {
	before := otel.GetTracerProvider()

	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Nil(t, tel.LoggerProvider())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.Same(t, before, otel.GetTracerProvider(), "disabled telemetry leaves the globals alone")
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	tel, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledInstallsProviders(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol
			// Nothing listens here; exporters connect lazily.
			cfg.Endpoint = "127.0.0.1:1"

			tel, err := New(context.Background(), cfg, nil)
			require.NoError(t, err)
			assert.True(t, tel.IsEnabled())
			assert.False(t, tel.Health().Degraded)
			assert.NotNil(t, tel.LoggerProvider())

			_, span := otel.Tracer("loopforge-test").Start(context.Background(), "check")
			span.End()

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_ = tel.Shutdown(ctx)
			assert.False(t, tel.IsEnabled())
		})
	}
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.False(t, tel.IsEnabled())
	assert.Nil(t, tel.LoggerProvider())
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}
