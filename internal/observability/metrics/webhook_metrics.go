package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/entitlementsync/pkg/db"
	"gorm.io/gorm"
)

const (
	OutcomeApplied  = "applied"
	OutcomeIgnored  = "ignored"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeInFlight = "in_flight"
	OutcomeFailed   = "failed"
)

const (
	StoreErrorReasonDeadlineExceeded     = "deadline_exceeded"
	StoreErrorReasonLockTimeout          = "db_lock_timeout"
	StoreErrorReasonSerializationFailure = "serialization_failure"
	StoreErrorReasonUniqueViolation      = "unique_violation"
	StoreErrorReasonConnection           = "connection"
	StoreErrorReasonUnknown              = "unknown"
)

// WebhookMetrics captures delivery health for the webhook receivers.
type WebhookMetrics struct {
	deliveries    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
	deactivations *prometheus.CounterVec
}

var (
	webhookMetricsOnce sync.Once
	webhookMetrics     *WebhookMetrics
)

// Webhook returns the singleton webhook metrics registry using config labels.
func Webhook(cfg Config) *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookMetrics = newWebhookMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return webhookMetrics
}

func newWebhookMetrics(registerer prometheus.Registerer, cfg Config) *WebhookMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabels(cfg)

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlementsync_webhook_deliveries_total",
		Help:        "Webhook deliveries by provider and terminal outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "entitlementsync_webhook_duration_seconds",
		Help:        "Webhook processing latency from verification to store write.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		ConstLabels: constLabels,
	}, []string{"provider"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlementsync_store_errors_total",
		Help:        "Entitlement store write failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"provider", "reason"})
	deactivations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlementsync_deactivations_unmatched_total",
		Help:        "Deactivations that matched no entitlement row.",
		ConstLabels: constLabels,
	}, []string{"provider"})

	registerer.MustRegister(deliveries, duration, storeErrors, deactivations)

	return &WebhookMetrics{
		deliveries:    deliveries,
		duration:      duration,
		storeErrors:   storeErrors,
		deactivations: deactivations,
	}
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitlementsync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// ObserveDelivery records a finished delivery and its latency.
func (m *WebhookMetrics) ObserveDelivery(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(provider, outcome).Inc()
	m.duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncStoreError increments store failures with classification.
func (m *WebhookMetrics) IncStoreError(provider string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(provider, ClassifyStoreError(err)).Inc()
}

// IncUnmatchedDeactivation counts deactivations that updated nothing.
func (m *WebhookMetrics) IncUnmatchedDeactivation(provider string) {
	if m == nil {
		return
	}
	m.deactivations.WithLabelValues(provider).Inc()
}

// ClassifyStoreError maps store errors to low-cardinality reasons.
func ClassifyStoreError(err error) string {
	if err == nil {
		return StoreErrorReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StoreErrorReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return StoreErrorReasonLockTimeout
	}
	if hasPGCode(err, "40001") || hasPGCode(err, "40P01") || strings.Contains(err.Error(), "Error 1213") {
		return StoreErrorReasonSerializationFailure
	}
	if db.IsDuplicateKeyErr(err) {
		return StoreErrorReasonUniqueViolation
	}
	if hasPGClass(err, "08") || errors.Is(err, gorm.ErrInvalidDB) {
		return StoreErrorReasonConnection
	}
	return StoreErrorReasonUnknown
}

// IsStoreErrorRetryable reports whether the provider should redeliver.
func IsStoreErrorRetryable(err error) bool {
	switch ClassifyStoreError(err) {
	case StoreErrorReasonDeadlineExceeded, StoreErrorReasonLockTimeout,
		StoreErrorReasonSerializationFailure, StoreErrorReasonConnection:
		return true
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func hasPGClass(err error, class string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, class)
	}
	return false
}
