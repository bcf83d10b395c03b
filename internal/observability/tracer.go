package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute keys for vmmaster spans.
var (
	AttrSessionID = attribute.Key("vmmaster.session.id")
	AttrPlatform  = attribute.Key("vmmaster.platform")
	AttrVMName    = attribute.Key("vmmaster.vm.name")
	AttrProvider  = attribute.Key("vmmaster.provider")
)
