package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type ownerKey struct{}
type conversationIDKey struct{}

// WithRequestID attaches a request_id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRequestID generates a new request_id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithOwner attaches the authenticated owner to the context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Owner extracts the authenticated owner. Returns "" if absent.
func Owner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConversationID attaches a conversation id to the context.
func WithConversationID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// ConversationID extracts the conversation id (0 if absent).
func ConversationID(ctx context.Context) int64 {
	if v, ok := ctx.Value(conversationIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// LogAttrs returns the request-scoped attributes present in ctx, suitable for
// slog.Logger.With.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"request_id", RequestID(ctx)}
	if owner := Owner(ctx); owner != "" {
		attrs = append(attrs, "owner", owner)
	}
	if id := ConversationID(ctx); id != 0 {
		attrs = append(attrs, "conversation_id", id)
	}
	return attrs
}
