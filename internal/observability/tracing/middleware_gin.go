package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/entitlementsync/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "entitlementsync/http"

// GinMiddleware opens a server span per request, continuing any inbound
// traceparent. Signature rejections and server errors mark the span failed.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{attribute.Int("http.response.status_code", status)}
		if provider := c.GetString("webhook_provider"); provider != "" {
			attrs = append(attrs, attribute.String("webhook.provider", provider))
		}
		if outcome := c.GetString("webhook_outcome"); outcome != "" {
			attrs = append(attrs, attribute.String("webhook.outcome", outcome))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		switch {
		case status >= http.StatusInternalServerError:
			if last := c.Errors.Last(); last != nil {
				if err := SafeError(last.Err); err != nil {
					span.RecordError(err)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		case status == http.StatusUnauthorized:
			span.SetStatus(codes.Error, "webhook rejected")
		}
	}
}
