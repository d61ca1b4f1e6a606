package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("user_id", "u1"),
		attribute.String("event_type", "invoice.payment_failed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" {
			t.Fatalf("expected user_id to be dropped")
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "entitlementsync"}, noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "stripe", "checkout.session.completed", OutcomeApplied)
	m.RecordEntitlementWrite(ctx, "stripe", "insert")
	m.RecordUpstreamFetchFailure(ctx, "stripe")

	var nilMetrics *Metrics
	nilMetrics.RecordWebhookEvent(ctx, "stripe", "x", OutcomeFailed)
}

func TestClassifyStoreError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("write: %w", context.DeadlineExceeded), want: StoreErrorReasonDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: StoreErrorReasonLockTimeout},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: StoreErrorReasonSerializationFailure},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: StoreErrorReasonUniqueViolation},
		{name: "unique_pg", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: StoreErrorReasonUniqueViolation},
		{name: "unique_mysql", err: errors.New("Error 1062 (23000): Duplicate entry '12' for key 'PRIMARY'"), want: StoreErrorReasonUniqueViolation},
		{name: "deadlock_pg", err: &pgconn.PgError{Code: "40P01"}, want: StoreErrorReasonSerializationFailure},
		{name: "deadlock_mysql", err: errors.New("Error 1213 (40001): Deadlock found when trying to get lock"), want: StoreErrorReasonSerializationFailure},
		{name: "connection", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08006"}), want: StoreErrorReasonConnection},
		{name: "unknown", err: errors.New("boom"), want: StoreErrorReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyStoreError(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}

	assert.True(t, IsStoreErrorRetryable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsStoreErrorRetryable(gorm.ErrDuplicatedKey))
}

func TestWebhookMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWebhookMetrics(registry, Config{ServiceName: "entitlementsync", Environment: "test"})

	m.ObserveDelivery("paystack", OutcomeApplied, 20*time.Millisecond)
	m.ObserveDelivery("paystack", OutcomeApplied, 30*time.Millisecond)
	m.IncStoreError("paystack", &pgconn.PgError{Code: "55P03"})
	m.IncUnmatchedDeactivation("stripe")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.deliveries.WithLabelValues("paystack", OutcomeApplied)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.storeErrors.WithLabelValues("paystack", StoreErrorReasonLockTimeout)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deactivations.WithLabelValues("stripe")))

	var nilMetrics *WebhookMetrics
	nilMetrics.ObserveDelivery("stripe", OutcomeFailed, time.Second)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{Environment: "test"})

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for i := 0; i < 3; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, float64(3), testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestCountersTrimLabels(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	m, err := New(Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	m.RecordRateLimitDenied(ctx, " stripe ", "/webhooks/:provider", "provider-ip")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var found bool
	for _, md := range rm.ScopeMetrics[0].Metrics {
		if md.Name != "entitlementsync_rate_limit_denied_total" {
			continue
		}
		sum, ok := md.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		provider, ok := sum.DataPoints[0].Attributes.Value("provider")
		require.True(t, ok)
		assert.Equal(t, "stripe", provider.AsString())
		assert.Equal(t, int64(1), sum.DataPoints[0].Value)
		found = true
	}
	assert.True(t, found)
}
