package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Platform string

const (
	PlatformStripe     Platform = "stripe"
	PlatformPaystack   Platform = "paystack"
	PlatformRevenueCat Platform = "revenuecat"
)

// WriteMode selects how an outcome is applied to the store.
type WriteMode string

const (
	WriteModeUpsert            WriteMode = "upsert"
	WriteModeInsert            WriteMode = "insert"
	WriteModeDeactivate        WriteMode = "deactivate"
	WriteModeSubscriptionState WriteMode = "subscription_state"
)

// Entitlement is a per-product entitlement row. Stripe and Paystack write here.
type Entitlement struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID        string         `json:"user_id" gorm:"type:varchar(191);not null;index:idx_entitlements_user_product,priority:1"`
	ProductID     string         `json:"product_id" gorm:"type:varchar(191);not null;index:idx_entitlements_user_product,priority:2"`
	Platform      Platform       `json:"platform" gorm:"type:varchar(32);not null"`
	PurchaseToken string         `json:"purchase_token" gorm:"type:text"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	IsActive      bool           `json:"is_active" gorm:"not null"`
	RawResponse   datatypes.JSON `json:"raw_response"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// SubscriptionState is the single per-user subscription row. RevenueCat writes here.
type SubscriptionState struct {
	UserID          string     `json:"user_id" gorm:"primaryKey;type:varchar(191)"`
	Tier            string     `json:"tier" gorm:"type:varchar(64);not null;default:free"`
	Status          string     `json:"status" gorm:"type:varchar(32);not null;default:inactive"`
	ExpiresAt       *time.Time `json:"expires_at"`
	BillingCycle    *string    `json:"billing_cycle" gorm:"type:varchar(32)"`
	TransactionID   *string    `json:"transaction_id" gorm:"type:text"`
	PaymentProvider string     `json:"payment_provider" gorm:"type:varchar(32)"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"not null"`
}

func (SubscriptionState) TableName() string { return "subscriptions" }

// EntitlementUpdate is the normalized projection produced by the Stripe and
// Paystack normalizers.
type EntitlementUpdate struct {
	UserID        string
	ProductID     string
	Platform      Platform
	PurchaseToken string
	ExpiresAt     *time.Time
	IsActive      bool
	RawResponse   json.RawMessage
}

// SubscriptionStateUpdate is a partial write against SubscriptionState. Nil
// fields are left untouched.
type SubscriptionStateUpdate struct {
	UserID          string
	Tier            *string
	Status          string
	ExpiresAt       *time.Time
	BillingCycle    *string
	TransactionID   *string
	PaymentProvider Platform
}

// Outcome is what a normalizer produced for one event. Exactly one of
// Entitlement or Subscription is set, matching Mode.
type Outcome struct {
	Platform     Platform
	EventID      string
	EventType    string
	Mode         WriteMode
	Entitlement  *EntitlementUpdate
	Subscription *SubscriptionStateUpdate
}

// UserID returns the identity the outcome is keyed on.
func (o *Outcome) UserID() string {
	if o == nil {
		return ""
	}
	if o.Entitlement != nil {
		return o.Entitlement.UserID
	}
	if o.Subscription != nil {
		return o.Subscription.UserID
	}
	return ""
}

type ResultStatus string

const (
	ResultApplied ResultStatus = "applied"
	ResultIgnored ResultStatus = "ignored"
	ResultSkipped ResultStatus = "skipped"
)

// Result describes how a webhook delivery terminated when it did not fail.
type Result struct {
	Provider  Platform
	EventType string
	UserID    string
	Status    ResultStatus
}
