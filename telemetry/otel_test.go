package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/config"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracer_None(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer("x402gate", "test", config.TelemetryConfig{Exporter: "none"})
	require.NoError(t, err)
	shutdown()

	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracer_Stdout(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := InitTracer("x402gate", "test", config.TelemetryConfig{Exporter: "stdout"})
	require.NoError(t, err)
	defer shutdown()

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestInitTracer_Unknown(t *testing.T) {
	_, err := InitTracer("x402gate", "test", config.TelemetryConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}
