package revenuecat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
)

const (
	StatusActive    = "active"
	StatusTrial     = "trial"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"

	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return string(domain.PlatformRevenueCat)
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.ProviderAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		expectedAuth: "Bearer " + secret,
		catalog:      cfg.Catalog,
	}, nil
}

type Adapter struct {
	expectedAuth string
	catalog      domain.CatalogSource
}

// Verify compares the Authorization header with the shared bearer token.
// RevenueCat does not sign bodies.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	auth := headers.Get("Authorization")
	if auth == "" || a.expectedAuth == "" {
		return domain.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(auth), []byte(a.expectedAuth)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

type revenueCatPayload struct {
	APIVersion string           `json:"api_version"`
	Event      *revenueCatEvent `json:"event"`
}

type revenueCatEvent struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	AppUserID             string `json:"app_user_id"`
	OriginalAppUserID     string `json:"original_app_user_id"`
	ProductID             string `json:"product_id"`
	PeriodType            string `json:"period_type"`
	ExpirationAtMs        *int64 `json:"expiration_at_ms"`
	IsTrialConversion     *bool  `json:"is_trial_conversion"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Store                 string `json:"store"`
	Environment           string `json:"environment"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Outcome, error) {
	var body revenueCatPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if body.Event == nil {
		return nil, domain.ErrInvalidPayload
	}
	outcome, err := a.parseEvent(body.Event)
	return outcome, domain.WithEventType(body.Event.Type, err)
}

func (a *Adapter) parseEvent(event *revenueCatEvent) (*domain.Outcome, error) {
	tiers := a.tiers()

	update := domain.SubscriptionStateUpdate{
		UserID:          event.AppUserID,
		PaymentProvider: domain.PlatformRevenueCat,
	}

	switch event.Type {
	case "INITIAL_PURCHASE", "RENEWAL", "NON_RENEWING_PURCHASE":
		update.Tier = stringPtr(tiers.PaidTier)
		update.Status = StatusActive
		if event.IsTrialConversion != nil && !*event.IsTrialConversion {
			update.Status = StatusTrial
		}
		if event.ExpirationAtMs != nil && *event.ExpirationAtMs > 0 {
			expires := time.UnixMilli(*event.ExpirationAtMs).UTC()
			update.ExpiresAt = &expires
		}
		update.BillingCycle = stringPtr(billingCycle(event.ProductID, tiers.YearlyMarker))
		update.TransactionID = transactionID(event)

	case "CANCELLATION":
		// Tier and expiry stay as they are; access runs until the natural expiration event.
		update.Status = StatusCancelled

	case "EXPIRATION", "BILLING_ISSUE":
		update.Tier = stringPtr(tiers.FreeTier)
		update.Status = StatusExpired

	case "PRODUCT_CHANGE":
		update.Tier = stringPtr(tiers.PaidTier)
		update.Status = StatusActive
		update.BillingCycle = stringPtr(billingCycle(event.ProductID, tiers.YearlyMarker))
		update.TransactionID = transactionID(event)

	default:
		return nil, domain.ErrEventIgnored
	}

	if strings.TrimSpace(event.AppUserID) == "" {
		return nil, domain.ErrMissingIdentity
	}

	return &domain.Outcome{
		Platform:     domain.PlatformRevenueCat,
		EventID:      event.ID,
		EventType:    event.Type,
		Mode:         domain.WriteModeSubscriptionState,
		Subscription: &update,
	}, nil
}

func (a *Adapter) tiers() domain.TierNames {
	if a.catalog == nil {
		return domain.DefaultCatalog().RevenueCat
	}
	return a.catalog.Get().RevenueCat
}

func billingCycle(productID, yearlyMarker string) string {
	if yearlyMarker != "" && strings.Contains(productID, yearlyMarker) {
		return BillingCycleYearly
	}
	return BillingCycleMonthly
}

func transactionID(event *revenueCatEvent) *string {
	if event.TransactionID != "" {
		return stringPtr(event.TransactionID)
	}
	if event.OriginalTransactionID != "" {
		return stringPtr(event.OriginalTransactionID)
	}
	return nil
}

func stringPtr(v string) *string { return &v }

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
