package context

import (
	stdcontext "context"
	"strings"
)

type requestIDKey struct{}

type webhookKey struct{}

// WebhookFields identifies the delivery being processed.
type WebhookFields struct {
	Provider  string
	EventType string
	UserID    string
}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	requestID = strings.TrimSpace(requestID)
	if ctx == nil || requestID == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWebhook stores the provider and, once known, event type and user id.
func WithWebhook(ctx stdcontext.Context, fields WebhookFields) stdcontext.Context {
	if ctx == nil {
		return ctx
	}
	return stdcontext.WithValue(ctx, webhookKey{}, fields)
}

func WebhookFromContext(ctx stdcontext.Context) WebhookFields {
	if ctx == nil {
		return WebhookFields{}
	}
	if v, ok := ctx.Value(webhookKey{}).(WebhookFields); ok {
		return v
	}
	return WebhookFields{}
}
