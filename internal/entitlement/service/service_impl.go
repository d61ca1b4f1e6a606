package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlementsync/internal/clock"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitlementsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Repo           domain.Repository
	Clock          clock.Clock                `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics        `optional:"true"`
	WebhookMetrics *obsmetrics.WebhookMetrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           domain.Repository
	clock          clock.Clock
	obsMetrics     *obsmetrics.Metrics
	webhookMetrics *obsmetrics.WebhookMetrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.UTC{}
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("entitlement.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		clock:          clk,
		obsMetrics:     p.ObsMetrics,
		webhookMetrics: p.WebhookMetrics,
	}
}

// Apply writes a normalized outcome. Store failures are wrapped with ErrStore.
func (s *Service) Apply(ctx context.Context, outcome *domain.Outcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}

	var err error
	switch outcome.Mode {
	case domain.WriteModeUpsert:
		err = s.repo.UpsertEntitlement(ctx, s.db, s.newRow(outcome.Entitlement))
	case domain.WriteModeInsert:
		err = s.repo.InsertEntitlement(ctx, s.db, s.newRow(outcome.Entitlement))
	case domain.WriteModeDeactivate:
		err = s.deactivate(ctx, outcome)
	case domain.WriteModeSubscriptionState:
		err = s.repo.UpsertSubscriptionState(ctx, s.db, *outcome.Subscription, s.clock.Now())
	default:
		return fmt.Errorf("%w: unknown write mode %q", domain.ErrInvalidPayload, outcome.Mode)
	}
	if err != nil {
		s.webhookMetrics.IncStoreError(string(outcome.Platform), err)
		s.log.Error("entitlement write failed",
			zap.String("provider", string(outcome.Platform)),
			zap.String("event_type", outcome.EventType),
			zap.String("user_id", outcome.UserID()),
			zap.String("mode", string(outcome.Mode)),
			zap.Bool("retryable", obsmetrics.IsStoreErrorRetryable(err)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrStore, err)
	}

	s.obsMetrics.RecordEntitlementWrite(ctx, string(outcome.Platform), string(outcome.Mode))
	return nil
}

func (s *Service) deactivate(ctx context.Context, outcome *domain.Outcome) error {
	update := outcome.Entitlement
	affected, err := s.repo.DeactivateEntitlement(ctx, s.db, update.UserID, update.ProductID, update.RawResponse, s.clock.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		s.webhookMetrics.IncUnmatchedDeactivation(string(outcome.Platform))
		s.log.Warn("deactivation matched no entitlement",
			zap.String("provider", string(outcome.Platform)),
			zap.String("event_type", outcome.EventType),
			zap.String("user_id", update.UserID),
			zap.String("product_id", update.ProductID),
		)
	}
	return nil
}

func (s *Service) newRow(update *domain.EntitlementUpdate) *domain.Entitlement {
	now := s.clock.Now()
	return &domain.Entitlement{
		ID:            s.genID.Generate(),
		UserID:        update.UserID,
		ProductID:     update.ProductID,
		Platform:      update.Platform,
		PurchaseToken: update.PurchaseToken,
		ExpiresAt:     update.ExpiresAt,
		IsActive:      update.IsActive,
		RawResponse:   rawJSON(update.RawResponse),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func validateOutcome(outcome *domain.Outcome) error {
	if outcome == nil {
		return fmt.Errorf("%w: empty outcome", domain.ErrInvalidPayload)
	}
	switch outcome.Mode {
	case domain.WriteModeSubscriptionState:
		if outcome.Subscription == nil {
			return fmt.Errorf("%w: missing subscription update", domain.ErrInvalidPayload)
		}
	default:
		if outcome.Entitlement == nil {
			return fmt.Errorf("%w: missing entitlement update", domain.ErrInvalidPayload)
		}
		if outcome.Entitlement.ProductID == "" {
			return fmt.Errorf("%w: missing product id", domain.ErrInvalidPayload)
		}
	}
	if outcome.UserID() == "" {
		return domain.ErrMissingIdentity
	}
	return nil
}

func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
