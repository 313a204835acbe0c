package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/oktsec/riskgate"

// Tracer wraps a tracer provider. When tracing is disabled every span is a
// no-op.
type Tracer struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer returns a no-op tracer unless enabled, in which case spans are
// exported as JSON lines to w.
func NewTracer(enabled bool, w io.Writer) (*Tracer, error) {
	if !enabled {
		p := noop.NewTracerProvider()
		return &Tracer{provider: p, tracer: p.Tracer(tracerName)}, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &Tracer{provider: sdk, sdk: sdk, tracer: sdk.Tracer(tracerName)}, nil
}

// Provider is passed to otelhttp so request spans share the exporter.
func (t *Tracer) Provider() trace.TracerProvider { return t.provider }

// Start opens a span named name.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndDecision annotates span with the outcome and ends it. Denials are not
// span errors; err marks infrastructure failures only.
func EndDecision(span trace.Span, outcome string, score float64, err error) {
	span.SetAttributes(
		attribute.String("riskgate.outcome", outcome),
		attribute.Float64("riskgate.risk_score", score),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}
