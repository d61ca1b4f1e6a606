package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/config"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/adapters"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/entitlementsync/internal/observability/context"
	"github.com/smallbiznis/entitlementsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlementsync/internal/observability/metrics"
	"github.com/smallbiznis/entitlementsync/internal/ratelimit"
	"github.com/smallbiznis/entitlementsync/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockReleaseTimeout = 2 * time.Second

// eventLocker guards one provider event against concurrent application.
type eventLocker interface {
	TryLockEvent(ctx context.Context, provider, eventID string) (string, bool, error)
	ReleaseEvent(ctx context.Context, provider, eventID, token string) error
}

type Params struct {
	fx.In

	Log            *zap.Logger
	Cfg            config.Config
	Catalog        *config.CatalogHolder
	Adapters       *adapters.Registry
	EntitlementSvc domain.Service
	Limiter        *ratelimit.WebhookLimiter  `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics        `optional:"true"`
	WebhookMetrics *obsmetrics.WebhookMetrics `optional:"true"`
}

type Service struct {
	log            *zap.Logger
	entitlementSvc domain.Service
	adapters       map[string]domain.ProviderAdapter
	locker         eventLocker
	obsMetrics     *obsmetrics.Metrics
	webhookMetrics *obsmetrics.WebhookMetrics
}

// NewService builds one adapter per enabled provider. An enabled provider
// with no registered adapter, or whose adapter cannot be built, fails startup.
func NewService(p Params) (*Service, error) {
	svc := &Service{
		log:            p.Log.Named("entitlement.webhook"),
		entitlementSvc: p.EntitlementSvc,
		adapters:       map[string]domain.ProviderAdapter{},
		obsMetrics:     p.ObsMetrics,
		webhookMetrics: p.WebhookMetrics,
	}
	if p.Limiter != nil {
		svc.locker = p.Limiter
	}

	for _, provider := range p.Cfg.Webhook.Providers {
		if !p.Adapters.ProviderExists(provider) {
			return nil, fmt.Errorf("%w: no adapter registered for %q", domain.ErrProviderNotFound, provider)
		}
	}

	for _, provider := range p.Adapters.Providers() {
		if !p.Cfg.ProviderEnabled(provider) {
			svc.log.Info("webhook provider disabled", zap.String("provider", provider))
			continue
		}
		adapter, err := p.Adapters.NewAdapter(provider, domain.AdapterConfig{
			Config:  adapterSettings(p.Cfg, provider),
			Catalog: p.Catalog,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", provider, err)
		}
		svc.adapters[provider] = adapter
	}
	return svc, nil
}

// Enabled reports whether deliveries for provider are accepted.
func (s *Service) Enabled(provider string) bool {
	_, ok := s.adapters[normalizeProvider(provider)]
	return ok
}

// IngestWebhook verifies, normalizes and applies one delivery. A nil error
// always comes with a non-nil Result.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (result *domain.Result, err error) {
	start := time.Now()
	provider = normalizeProvider(provider)
	adapter, ok := s.adapters[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	ctx, _ = correlation.Ensure(ctx)
	ctx = obscontext.WithWebhook(ctx, obscontext.WebhookFields{Provider: provider})
	log := logger.WithContext(ctx, s.log)

	var eventType string
	defer func() {
		outcome := deliveryOutcome(result, err)
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, outcome)
		s.webhookMetrics.ObserveDelivery(provider, outcome, time.Since(start))
	}()

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		log.Warn("webhook verification failed", zap.Error(err))
		return nil, err
	}

	outcome, err := adapter.Parse(ctx, payload)
	if err != nil {
		eventType = domain.EventTypeOf(err)
		ctx = obscontext.WithWebhook(ctx, obscontext.WebhookFields{Provider: provider, EventType: eventType})
		return s.handleParseError(ctx, logger.WithContext(ctx, s.log), provider, eventType, err)
	}
	eventType = outcome.EventType
	userID := outcome.UserID()
	ctx = obscontext.WithWebhook(ctx, obscontext.WebhookFields{Provider: provider, EventType: eventType, UserID: userID})
	log = logger.WithContext(ctx, s.log)

	token, acquired, lockErr := s.tryLock(ctx, provider, outcome.EventID)
	if lockErr != nil {
		log.Warn("event lock unavailable, continuing without it", zap.Error(lockErr))
	}
	if !acquired {
		log.Info("webhook event already in flight", zap.String("event_id", outcome.EventID))
		return nil, domain.ErrEventInFlight
	}
	defer s.releaseLock(ctx, log, provider, outcome.EventID, token)

	if err := s.entitlementSvc.Apply(ctx, outcome); err != nil {
		if errors.Is(err, domain.ErrMissingIdentity) {
			log.Warn("webhook event has no user id")
			return s.result(provider, eventType, "", domain.ResultSkipped), nil
		}
		log.Error("webhook apply failed", zap.Error(err))
		return nil, err
	}

	log.Info("webhook applied", zap.String("mode", string(outcome.Mode)))
	return s.result(provider, eventType, userID, domain.ResultApplied), nil
}

func (s *Service) handleParseError(ctx context.Context, log *zap.Logger, provider, eventType string, err error) (*domain.Result, error) {
	switch {
	case errors.Is(err, domain.ErrEventIgnored):
		log.Debug("webhook event ignored", zap.Error(err))
		return s.result(provider, eventType, "", domain.ResultIgnored), nil
	case errors.Is(err, domain.ErrMissingIdentity):
		log.Warn("webhook event has no user id", zap.Error(err))
		return s.result(provider, eventType, "", domain.ResultSkipped), nil
	case errors.Is(err, domain.ErrNoAction):
		log.Info("webhook event has nothing to write", zap.Error(err))
		return s.result(provider, eventType, "", domain.ResultSkipped), nil
	case errors.Is(err, domain.ErrUpstreamFetch):
		s.obsMetrics.RecordUpstreamFetchFailure(ctx, provider)
		log.Error("webhook upstream fetch failed", zap.Error(err))
		return nil, err
	case errors.Is(err, domain.ErrInvalidPayload):
		log.Warn("webhook payload rejected", zap.Error(err))
		return nil, err
	default:
		log.Error("webhook parse failed", zap.Error(err))
		return nil, err
	}
}

func (s *Service) tryLock(ctx context.Context, provider, eventID string) (string, bool, error) {
	if s.locker == nil {
		return "", true, nil
	}
	return s.locker.TryLockEvent(ctx, provider, eventID)
}

func (s *Service) releaseLock(ctx context.Context, log *zap.Logger, provider, eventID, token string) {
	if s.locker == nil || token == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := s.locker.ReleaseEvent(releaseCtx, provider, eventID, token); err != nil {
		log.Warn("event lock release failed", zap.Error(err))
	}
}

func (s *Service) result(provider, eventType, userID string, status domain.ResultStatus) *domain.Result {
	return &domain.Result{
		Provider:  domain.Platform(provider),
		EventType: eventType,
		UserID:    userID,
		Status:    status,
	}
}

func deliveryOutcome(result *domain.Result, err error) string {
	switch {
	case err == nil && result != nil:
		return string(result.Status)
	case domain.IsRejection(err):
		return obsmetrics.OutcomeRejected
	case errors.Is(err, domain.ErrInvalidPayload):
		return obsmetrics.OutcomeInvalid
	case errors.Is(err, domain.ErrEventInFlight):
		return obsmetrics.OutcomeInFlight
	default:
		return obsmetrics.OutcomeFailed
	}
}

func adapterSettings(cfg config.Config, provider string) map[string]any {
	switch provider {
	case config.ProviderStripe:
		return map[string]any{
			"webhook_secret": cfg.Stripe.WebhookSecret,
			"secret_key":     cfg.Stripe.SecretKey,
		}
	case config.ProviderPaystack:
		return map[string]any{"secret_key": cfg.Paystack.SecretKey}
	case config.ProviderRevenueCat:
		return map[string]any{"webhook_secret": cfg.RevenueCat.WebhookSecret}
	default:
		return map[string]any{}
	}
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

var _ domain.WebhookService = (*Service)(nil)
