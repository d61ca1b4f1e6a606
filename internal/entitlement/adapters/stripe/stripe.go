package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventInvoicePaid           = "invoice.payment_succeeded"
	eventInvoicePaymentFailed  = "invoice.payment_failed"
	eventSubscriptionDeleted   = "customer.subscription.deleted"
	paymentStatusPaid          = "paid"
	subscriptionStatusActive   = "active"
	subscriptionStatusTrialing = "trialing"
)

type Factory struct {
	newFetcher func(apiKey string) SubscriptionFetcher
}

func NewFactory() *Factory {
	return &Factory{newFetcher: func(apiKey string) SubscriptionFetcher {
		return NewAPIFetcher(apiKey)
	}}
}

// NewFactoryWithFetcher builds adapters that share the given fetcher instead
// of calling the Stripe API.
func NewFactoryWithFetcher(fetcher SubscriptionFetcher) *Factory {
	return &Factory{newFetcher: func(string) SubscriptionFetcher {
		return fetcher
	}}
}

func (f *Factory) Provider() string {
	return string(domain.PlatformStripe)
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.ProviderAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, domain.ErrInvalidConfig
	}
	apiKey, ok := readString(cfg.Config, "secret_key")
	if !ok || strings.TrimSpace(apiKey) == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		webhookSecret: strings.TrimSpace(secret),
		fetcher:       f.newFetcher(strings.TrimSpace(apiKey)),
		catalog:       cfg.Catalog,
	}, nil
}

type Adapter struct {
	webhookSecret string
	fetcher       SubscriptionFetcher
	catalog       domain.CatalogSource
}

// Verify checks the Stripe-Signature header against the exact request bytes.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, a.webhookSecret, webhook.DefaultTolerance); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Outcome, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	event.Type = strings.TrimSpace(event.Type)
	outcome, err := a.parseEvent(ctx, event)
	return outcome, domain.WithEventType(event.Type, err)
}

func (a *Adapter) parseEvent(ctx context.Context, event stripeEvent) (*domain.Outcome, error) {
	switch event.Type {
	case eventCheckoutCompleted:
		return a.parseCheckoutCompleted(ctx, event)
	case eventInvoicePaid:
		return a.parseInvoicePaid(ctx, event)
	case eventSubscriptionDeleted:
		return a.parseSubscriptionDeleted(event)
	case eventInvoicePaymentFailed:
		return a.parseInvoicePaymentFailed(ctx, event)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string          `json:"id"`
	Subscription  json.RawMessage `json:"subscription"`
	PaymentStatus string          `json:"payment_status"`
	Metadata      map[string]any  `json:"metadata"`
}

type stripeInvoice struct {
	ID           string          `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type stripeSubscription struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	CurrentPeriodEnd int64          `json:"current_period_end"`
	Metadata         map[string]any `json:"metadata"`
	Items            struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Plan             *struct {
		ID      string          `json:"id"`
		Product json.RawMessage `json:"product"`
	} `json:"plan"`
	Price *struct {
		ID      string          `json:"id"`
		Product json.RawMessage `json:"product"`
	} `json:"price"`
}

func (a *Adapter) parseCheckoutCompleted(ctx context.Context, event stripeEvent) (*domain.Outcome, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	userID := readMetadataValue(session.Metadata, "user_id")
	if userID == "" {
		return nil, domain.ErrMissingIdentity
	}

	if subscriptionID := expandableID(session.Subscription); subscriptionID != "" {
		sub, raw, err := a.fetchSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		return a.subscriptionUpsert(event, userID, sub, raw), nil
	}

	if session.PaymentStatus != paymentStatusPaid {
		return nil, domain.ErrEventIgnored
	}

	productID := readMetadataValue(session.Metadata, "product_id")
	if productID == "" {
		productID = a.defaults().OneTimeProduct
	}

	// Inserted unconditionally: a redelivered one-time checkout yields a second row.
	return &domain.Outcome{
		Platform:  domain.PlatformStripe,
		EventID:   event.ID,
		EventType: event.Type,
		Mode:      domain.WriteModeInsert,
		Entitlement: &domain.EntitlementUpdate{
			UserID:        userID,
			ProductID:     productID,
			Platform:      domain.PlatformStripe,
			PurchaseToken: session.ID,
			IsActive:      true,
			RawResponse:   event.Data.Object,
		},
	}, nil
}

func (a *Adapter) parseInvoicePaid(ctx context.Context, event stripeEvent) (*domain.Outcome, error) {
	subscriptionID, err := invoiceSubscriptionID(event.Data.Object)
	if err != nil {
		return nil, err
	}
	if subscriptionID == "" {
		return nil, domain.ErrNoAction
	}

	sub, raw, err := a.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	userID := readMetadataValue(sub.Metadata, "user_id")
	if userID == "" {
		return nil, domain.ErrMissingIdentity
	}
	return a.subscriptionUpsert(event, userID, sub, raw), nil
}

func (a *Adapter) parseSubscriptionDeleted(event stripeEvent) (*domain.Outcome, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return a.subscriptionDeactivate(event, sub, event.Data.Object)
}

func (a *Adapter) parseInvoicePaymentFailed(ctx context.Context, event stripeEvent) (*domain.Outcome, error) {
	subscriptionID, err := invoiceSubscriptionID(event.Data.Object)
	if err != nil {
		return nil, err
	}
	if subscriptionID == "" {
		return nil, domain.ErrNoAction
	}

	sub, raw, err := a.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return a.subscriptionDeactivate(event, sub, raw)
}

func (a *Adapter) subscriptionUpsert(event stripeEvent, userID string, sub stripeSubscription, raw json.RawMessage) *domain.Outcome {
	return &domain.Outcome{
		Platform:  domain.PlatformStripe,
		EventID:   event.ID,
		EventType: event.Type,
		Mode:      domain.WriteModeUpsert,
		Entitlement: &domain.EntitlementUpdate{
			UserID:        userID,
			ProductID:     a.subscriptionProductID(sub),
			Platform:      domain.PlatformStripe,
			PurchaseToken: sub.ID,
			ExpiresAt:     periodEnd(sub),
			IsActive:      sub.Status == subscriptionStatusActive || sub.Status == subscriptionStatusTrialing,
			RawResponse:   raw,
		},
	}
}

func (a *Adapter) subscriptionDeactivate(event stripeEvent, sub stripeSubscription, raw json.RawMessage) (*domain.Outcome, error) {
	userID := readMetadataValue(sub.Metadata, "user_id")
	if userID == "" {
		return nil, domain.ErrMissingIdentity
	}
	return &domain.Outcome{
		Platform:  domain.PlatformStripe,
		EventID:   event.ID,
		EventType: event.Type,
		Mode:      domain.WriteModeDeactivate,
		Entitlement: &domain.EntitlementUpdate{
			UserID:        userID,
			ProductID:     a.subscriptionProductID(sub),
			Platform:      domain.PlatformStripe,
			PurchaseToken: sub.ID,
			RawResponse:   raw,
		},
	}, nil
}

func (a *Adapter) fetchSubscription(ctx context.Context, id string) (stripeSubscription, json.RawMessage, error) {
	if a.fetcher == nil {
		return stripeSubscription{}, nil, fmt.Errorf("%w: stripe client not configured", domain.ErrUpstreamFetch)
	}
	raw, err := a.fetcher.FetchSubscription(ctx, id)
	if err != nil {
		return stripeSubscription{}, nil, fmt.Errorf("%w: retrieve subscription %s: %v", domain.ErrUpstreamFetch, id, err)
	}
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return stripeSubscription{}, nil, fmt.Errorf("%w: decode subscription %s: %v", domain.ErrUpstreamFetch, id, err)
	}
	return sub, raw, nil
}

// subscriptionProductID resolves metadata, then the first item's plan, then its price.
func (a *Adapter) subscriptionProductID(sub stripeSubscription) string {
	if productID := readMetadataValue(sub.Metadata, "product_id"); productID != "" {
		return productID
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Plan != nil {
			if productID := expandableID(item.Plan.Product); productID != "" {
				return productID
			}
			if id := strings.TrimSpace(item.Plan.ID); id != "" {
				return id
			}
		}
		if item.Price != nil {
			if productID := expandableID(item.Price.Product); productID != "" {
				return productID
			}
			if id := strings.TrimSpace(item.Price.ID); id != "" {
				return id
			}
		}
	}
	return a.defaults().SubscriptionProduct
}

func (a *Adapter) defaults() domain.ProductDefaults {
	if a.catalog == nil {
		return domain.DefaultCatalog().Stripe
	}
	return a.catalog.Get().Stripe
}

func periodEnd(sub stripeSubscription) *time.Time {
	end := sub.CurrentPeriodEnd
	if end == 0 && len(sub.Items.Data) > 0 {
		end = sub.Items.Data[0].CurrentPeriodEnd
	}
	if end <= 0 {
		return nil
	}
	expires := time.Unix(end, 0).UTC()
	return &expires
}

func invoiceSubscriptionID(object json.RawMessage) (string, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(object, &invoice); err != nil {
		return "", domain.ErrInvalidPayload
	}
	if id := expandableID(invoice.Subscription); id != "" {
		return id, nil
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return expandableID(invoice.Parent.SubscriptionDetails.Subscription), nil
	}
	return "", nil
}

// expandableID reads a Stripe reference that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatFloat(cast, 'f', -1, 64)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}

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
