package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP delivery counters. A nil *Metrics records nothing.
type Metrics struct {
	webhookEvents     metric.Int64Counter
	entitlementWrites metric.Int64Counter
	upstreamFetches   metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

const exportInterval = 10 * time.Second

// NewProvider registers the global meter provider. Disabled telemetry gets a
// noop provider so instruments stay usable.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("deployment.environment", cfg.Environment),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New creates the delivery counters on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))

	var errs []error
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		errs = append(errs, err)
		return c
	}
	m := &Metrics{
		webhookEvents:     counter("entitlementsync_webhook_events_total", "Webhook deliveries by provider, event type and outcome."),
		entitlementWrites: counter("entitlementsync_entitlement_writes_total", "Successful store writes by provider and write mode."),
		upstreamFetches:   counter("entitlementsync_upstream_fetch_failures_total", "Failed provider API lookups during normalization."),
		rateLimitAllowed:  counter("entitlementsync_rate_limit_allowed_total", "Deliveries admitted by the ingress limiter."),
		rateLimitDenied:   counter("entitlementsync_rate_limit_denied_total", "Deliveries rejected by the ingress limiter."),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, withAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordEntitlementWrite(ctx context.Context, provider, mode string) {
	if m == nil {
		return
	}
	m.entitlementWrites.Add(ctx, 1, withAttributes(
		attribute.String("provider", provider),
		attribute.String("mode", mode),
	))
}

func (m *Metrics) RecordUpstreamFetchFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.upstreamFetches.Add(ctx, 1, withAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, provider, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, withAttributes(
		attribute.String("provider", provider),
		attribute.String("endpoint", endpoint),
	))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, provider, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, withAttributes(
		attribute.String("provider", provider),
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

func withAttributes(attrs ...attribute.KeyValue) metric.AddOption {
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
	}
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "entitlementsync"
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"mode":        {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
