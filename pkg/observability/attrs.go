package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

var (
	AttrTenantID      = attribute.Key("nattcell.tenant_id")
	AttrCorrelationID = attribute.Key("nattcell.correlation_id")
	AttrDomain        = attribute.Key("nattcell.domain")
	AttrOperation     = attribute.Key("nattcell.operation")
	AttrActorID       = attribute.Key("nattcell.actor_id")
	AttrEntityID      = attribute.Key("nattcell.entity_id")
	AttrErrorCode     = attribute.Key("nattcell.error.code")
	AttrCached        = attribute.Key("nattcell.idempotency.cached")
)

// CommandAttributes describes cmd for spans and metrics. The correlation id
// is not included; callers set it on the span.
func CommandAttributes(cmd contracts.Command) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(cmd.TenantID),
		AttrDomain.String(cmd.Domain),
		AttrOperation.String(cmd.Operation),
		AttrActorID.String(cmd.ActorID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
