package observe

import (
	"context"
	"net/http"
	"testing"

	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_Disabled(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_Stdout(t *testing.T) {
	cfg := config.ObserveConfig{
		Enabled:                   true,
		MetricsEnabled:            true,
		Type:                      "stdout",
		ServiceName:               "aliexpress-bridge-test",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	}

	shutdown, err := Configure(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_UnknownType(t *testing.T) {
	_, err := Configure(context.Background(), config.ObserveConfig{Enabled: true, Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported telemetry type")
}

func TestSDKLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.Level(-7), sdkLogLevel("debug"))
	assert.Equal(t, zerolog.Level(-3), sdkLogLevel("INFO"))
	assert.Equal(t, zerolog.InfoLevel, sdkLogLevel("warn"))
}

func TestHTTPTransport(t *testing.T) {
	base := http.DefaultTransport

	t.Run("disabled returns base", func(t *testing.T) {
		rt := HTTPTransport(base, config.ObserveConfig{Enabled: false, HTTPTransportEnabled: true})
		assert.Same(t, base.(*http.Transport), rt.(*http.Transport))
	})

	t.Run("transport instrumentation off returns base", func(t *testing.T) {
		rt := HTTPTransport(base, config.ObserveConfig{Enabled: true, HTTPTransportEnabled: false})
		assert.Same(t, base.(*http.Transport), rt.(*http.Transport))
	})

	t.Run("enabled wraps base", func(t *testing.T) {
		rt := HTTPTransport(base, config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true, HTTPConnectionTraceEnabled: true})
		_, isPlain := rt.(*http.Transport)
		assert.False(t, isPlain)
	})
}
