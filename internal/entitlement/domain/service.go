package domain

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	UpsertEntitlement(ctx context.Context, db *gorm.DB, row *Entitlement) error
	InsertEntitlement(ctx context.Context, db *gorm.DB, row *Entitlement) error
	DeactivateEntitlement(ctx context.Context, db *gorm.DB, userID, productID string, raw []byte, at time.Time) (int64, error)
	UpsertSubscriptionState(ctx context.Context, db *gorm.DB, update SubscriptionStateUpdate, at time.Time) error
}

// Service applies normalized outcomes to the store.
type Service interface {
	Apply(ctx context.Context, outcome *Outcome) error
}

// WebhookService runs one delivery through verify, normalize and apply.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error)
}
