package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
)

const signatureHeader = "X-Paystack-Signature"

var handledEvents = map[string]bool{
	"charge.success":          true,
	"charge.failed":           true,
	"subscription.create":     true,
	"subscription.update":     true,
	"subscription.activate":   true,
	"subscription.disable":    true,
	"subscription.terminate":  true,
	"invoice.payment_success": true,
	"invoice.payment_failed":  true,
	"invoice.create":          true,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return string(domain.PlatformPaystack)
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.ProviderAdapter, error) {
	secret, ok := readString(cfg.Config, "secret_key")
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		secretKey: secret,
		catalog:   cfg.Catalog,
	}, nil
}

type Adapter struct {
	secretKey string
	catalog   domain.CatalogSource
}

// Verify compares x-paystack-signature with the hex HMAC-SHA512 of the body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.ToLower(strings.TrimSpace(headers.Get(signatureHeader)))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha512.New, []byte(a.secretKey))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Parse resolves the event type first so unmapped events are ignored whatever
// shape their data has.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Outcome, error) {
	var envelope paystackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	eventType := firstNonEmpty(string(envelope.Event), string(envelope.EventType), string(envelope.Type))
	if !handledEvents[eventType] {
		return nil, domain.WithEventType(eventType, domain.ErrEventIgnored)
	}

	rawData := envelope.data()
	var data paystackData
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, domain.WithEventType(eventType, domain.ErrInvalidPayload)
	}

	outcome, err := a.parseEvent(eventType, data, rawData)
	return outcome, domain.WithEventType(eventType, err)
}

func (a *Adapter) parseEvent(eventType string, data paystackData, rawData json.RawMessage) (*domain.Outcome, error) {
	defaults := a.defaults()
	switch eventType {
	case "charge.success":
		productID := firstNonEmpty(
			string(data.Metadata.ProductID),
			string(data.Metadata.Product),
			string(data.Plan.ID),
			string(data.Plan.PlanCode),
			defaults.OneTimeProduct,
		)
		return a.upsert(eventType, data, rawData, productID, firstNonEmpty(string(data.Reference), string(data.ID)), nil, true)

	case "subscription.create", "subscription.update", "subscription.activate":
		productID := firstNonEmpty(
			string(data.Plan.ID),
			string(data.Plan.PlanCode),
			string(data.Plan.Name),
			defaults.SubscriptionProduct,
		)
		expiresAt, err := parsePaymentDate(string(data.NextPaymentDate))
		if err != nil {
			return nil, err
		}
		status := string(data.Status)
		isActive := status == "" || status == "active" || status == "incomplete"
		return a.upsert(eventType, data, rawData, productID, firstNonEmpty(string(data.SubscriptionCode), string(data.ID)), expiresAt, isActive)

	case "invoice.payment_success":
		productID := firstNonEmpty(string(data.Plan.ID), string(data.Plan.PlanCode), defaults.SubscriptionProduct)
		expiresAt, err := parsePaymentDate(string(data.NextPaymentDate))
		if err != nil {
			return nil, err
		}
		return a.upsert(eventType, data, rawData, productID, firstNonEmpty(string(data.SubscriptionCode), string(data.ID)), expiresAt, true)

	case "subscription.disable", "subscription.terminate", "charge.failed",
		"invoice.payment_failed", "invoice.create":
		productID := firstNonEmpty(string(data.Plan.ID), string(data.Plan.PlanCode), defaults.SubscriptionProduct)
		userID := data.userID()
		if userID == "" {
			return nil, domain.ErrMissingIdentity
		}
		return &domain.Outcome{
			Platform:  domain.PlatformPaystack,
			EventID:   eventID(eventType, data),
			EventType: eventType,
			Mode:      domain.WriteModeDeactivate,
			Entitlement: &domain.EntitlementUpdate{
				UserID:        userID,
				ProductID:     productID,
				Platform:      domain.PlatformPaystack,
				PurchaseToken: firstNonEmpty(string(data.SubscriptionCode), string(data.Reference), string(data.ID)),
				RawResponse:   rawData,
			},
		}, nil

	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) upsert(eventType string, data paystackData, raw json.RawMessage, productID, token string, expiresAt *time.Time, isActive bool) (*domain.Outcome, error) {
	userID := data.userID()
	if userID == "" {
		return nil, domain.ErrMissingIdentity
	}
	return &domain.Outcome{
		Platform:  domain.PlatformPaystack,
		EventID:   eventID(eventType, data),
		EventType: eventType,
		Mode:      domain.WriteModeUpsert,
		Entitlement: &domain.EntitlementUpdate{
			UserID:        userID,
			ProductID:     productID,
			Platform:      domain.PlatformPaystack,
			PurchaseToken: token,
			ExpiresAt:     expiresAt,
			IsActive:      isActive,
			RawResponse:   raw,
		},
	}, nil
}

func (a *Adapter) defaults() domain.ProductDefaults {
	if a.catalog == nil {
		return domain.DefaultCatalog().Paystack
	}
	return a.catalog.Get().Paystack
}

// eventID derives a delivery key; Paystack envelopes carry no event id.
func eventID(eventType string, data paystackData) string {
	ref := firstNonEmpty(string(data.Reference), string(data.SubscriptionCode), string(data.ID))
	if ref == "" {
		return ""
	}
	return eventType + ":" + ref
}

func parsePaymentDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return &parsed, nil
		}
	}
	return nil, domain.ErrInvalidPayload
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
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
