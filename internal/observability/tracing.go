package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all spans.
const tracerName = "github.com/ensembleai/ensemble"

// StartSpan opens a span on the globally configured tracer provider. The
// embedding process decides whether a real exporter is installed; without
// one, spans are no-ops.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records an optional error and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RoomAttr tags a span with the room it serves.
func RoomAttr(roomID string) attribute.KeyValue {
	return attribute.String("ensemble.room_id", roomID)
}

// BotAttr tags a span with the acting bot.
func BotAttr(botName string) attribute.KeyValue {
	return attribute.String("ensemble.bot", botName)
}

// ToolAttr tags a span with the executing tool.
func ToolAttr(name string) attribute.KeyValue {
	return attribute.String("ensemble.tool", name)
}

// SessionAttr tags a span with the session key.
func SessionAttr(sessionKey string) attribute.KeyValue {
	return attribute.String("ensemble.session_key", sessionKey)
}
