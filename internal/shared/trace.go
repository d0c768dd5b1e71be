package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type tenantIDKey struct{}
type sessionIDKey struct{}
type customerIDKey struct{}
type channelKey struct{}
type turnDepthKey struct{}

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

// WithTenantID attaches a tenant_id to the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID extracts tenant_id from context. Returns "" if absent.
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey{}).(string); ok {
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

// WithCustomerID attaches the acting customer's id to the context.
// Empty means the caller is the tenant operator (internal channel).
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, customerIDKey{}, customerID)
}

// CustomerID extracts the acting customer's id from context. Returns "" if absent.
func CustomerID(ctx context.Context) string {
	if v, ok := ctx.Value(customerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChannel attaches the session channel (ChannelInternal or ChannelPublic)
// to the context.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// Channel extracts the session channel from context. Returns "" if absent.
func Channel(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTurnDepth attaches the tool-loop recursion depth to the context.
func WithTurnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, turnDepthKey{}, depth)
}

// TurnDepth extracts the tool-loop recursion depth (0 if absent).
func TurnDepth(ctx context.Context) int {
	if v, ok := ctx.Value(turnDepthKey{}).(int); ok {
		return v
	}
	return 0
}

// Session channels. The channel selects the tool set, history bound,
// session TTL, and proposal expiry window.
const (
	ChannelInternal = "internal"
	ChannelPublic   = "public"
)
