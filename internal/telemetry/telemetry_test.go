package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "signoff", "test", &buf, false)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Zero(t, buf.Len())
}

func TestSetupExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := Setup(ctx, "signoff", "test", &buf, true)
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(ctx, "engine.Vote")
	span.End()
	require.NoError(t, shutdown(ctx))

	assert.Contains(t, buf.String(), `"Name": "engine.Vote"`)
	assert.Contains(t, buf.String(), "signoff")
}
