package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type relayIDKey struct{}
type sessionIDKey struct{}
type eventIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRelayID attaches the agent relay_id to the context.
func WithRelayID(ctx context.Context, relayID string) context.Context {
	return context.WithValue(ctx, relayIDKey{}, relayID)
}

// RelayID extracts relay_id from context. Returns "" if absent.
func RelayID(ctx context.Context) string {
	if v, ok := ctx.Value(relayIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEventID attaches a webhook event_id to the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

// EventID extracts event_id from context. Returns "" if absent.
func EventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation ids present in ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := RelayID(ctx); id != "" {
		attrs = append(attrs, "relay_id", id)
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if id := EventID(ctx); id != "" {
		attrs = append(attrs, "event_id", id)
	}
	return attrs
}
