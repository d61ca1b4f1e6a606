package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/:provider"),
		attribute.String("http.request.header.stripe-signature", "t=1,v1=abc"),
		attribute.String("user_id", "user_1"),
		attribute.String("long", strings.Repeat("a", 400)),
	)

	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
	assert.Len(t, attrs[1].Value.AsString(), maxAttributeLength)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.Nil(t, SafeError(errors.New("  ")))
	assert.Len(t, SafeError(errors.New(strings.Repeat("x", 1000))).Error(), maxAttributeLength)
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampRatio(-1))
	assert.Equal(t, 0.25, clampRatio(0.25))
	assert.Equal(t, 1.0, clampRatio(3))
}

func TestNewProviderDisabled(t *testing.T) {
	tp, err := NewProvider(nil, Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestGinMiddlewareStartsServerSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, err := NewProvider(nil, Config{Enabled: false}, nil)
	require.NoError(t, err)

	var spanCtx trace.SpanContext
	engine := gin.New()
	engine.Use(GinMiddleware())
	engine.POST("/webhooks/:provider", func(c *gin.Context) {
		spanCtx = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spanCtx.TraceID().String())
}

func TestGinMiddlewareMarksRejectedDelivery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	engine := gin.New()
	engine.Use(GinMiddleware())
	engine.POST("/webhooks/:provider", func(c *gin.Context) {
		c.Set("webhook_provider", c.Param("provider"))
		c.Set("webhook_outcome", "rejected")
		c.String(http.StatusUnauthorized, "Unauthorized")
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "POST /webhooks/:provider", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "revenuecat", attrs["webhook.provider"].AsString())
	assert.Equal(t, "rejected", attrs["webhook.outcome"].AsString())
	assert.Equal(t, int64(http.StatusUnauthorized), attrs["http.response.status_code"].AsInt64())
}
