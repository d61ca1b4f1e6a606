// Package correlation carries the delivery correlation id and exposes the
// active trace ids for log enrichment.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// Header lets a caller pin the correlation id of a delivery.
const Header = "X-Correlation-Id"

type key struct{}

func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure returns ctx carrying a correlation id, minting a ULID when none is set.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return WithID(ctx, id), id
}

// FromHeader returns the inbound correlation id when it is a well-formed ULID.
func FromHeader(h http.Header) string {
	raw := strings.TrimSpace(h.Get(Header))
	if raw == "" {
		return ""
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return ""
	}
	return id.String()
}

// TraceIDs returns the trace and span ids of the active span, if any.
func TraceIDs(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
