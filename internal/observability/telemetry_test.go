package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/internal/config"
)

func TestNewTelemetry_Disabled(t *testing.T) {
	tel, err := NewTelemetry(context.Background(), config.TelemetryConfig{Enabled: false}, "autoreg", "test", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.Meter())

	// The no-op tracer still hands out usable spans.
	_, span := tel.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsSampled())

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.Meter())
	assert.NoError(t, tel.Shutdown(context.Background()))
}
