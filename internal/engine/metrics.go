package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "signoff/internal/engine"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	votes       metric.Int64Counter
	resolutions metric.Int64Counter
	commits     metric.Int64Counter
}

var meters = newInstruments(otel.Meter(instrumentationName))

// newInstruments falls back to no-op counters if the meter rejects a name.
func newInstruments(m metric.Meter) instruments {
	var in instruments
	var err error
	if in.votes, err = m.Int64Counter("signoff.votes.total",
		metric.WithDescription("Votes recorded"),
		metric.WithUnit("{vote}"),
	); err != nil {
		otel.Handle(err)
	}
	if in.resolutions, err = m.Int64Counter("signoff.resolutions.total",
		metric.WithDescription("Drafts reaching a terminal verdict"),
		metric.WithUnit("{draft}"),
	); err != nil {
		otel.Handle(err)
	}
	if in.commits, err = m.Int64Counter("signoff.commits.total",
		metric.WithDescription("Commit attempts by outcome"),
		metric.WithUnit("{commit}"),
	); err != nil {
		otel.Handle(err)
	}
	return in
}

func (in instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
