package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	subscriptions map[string]map[string]any
	err           error
	calls         []string
}

func (f *fakeFetcher) FetchSubscription(ctx context.Context, id string) (json.RawMessage, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, errors.New("resource_missing")
	}
	return json.Marshal(sub)
}

func newTestAdapter(fetcher SubscriptionFetcher) *Adapter {
	return &Adapter{
		webhookSecret: "whsec_test",
		fetcher:       fetcher,
		catalog:       domain.StaticCatalog(domain.DefaultCatalog()),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return payload
}

func stripeEventPayload(t *testing.T, eventType string, object map[string]any) []byte {
	return mustJSON(t, map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
}

func activeSubscription(userID string, periodEnd int64) map[string]any {
	return map[string]any{
		"id":                 "sub_1",
		"status":             "active",
		"current_period_end": periodEnd,
		"metadata":           map[string]any{"user_id": userID},
		"items": map[string]any{
			"data": []any{
				map[string]any{"plan": map[string]any{"id": "plan_1", "product": "prod_1"}},
			},
		},
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"checkout.session.completed","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	adapter := newTestAdapter(nil)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, timestamp))
	require.NoError(t, adapter.Verify(context.Background(), payload, reqHeader))

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, reqHeader), domain.ErrInvalidSignature)

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, timestamp-3600))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, reqHeader), domain.ErrInvalidSignature)

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, timestamp))
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	assert.ErrorIs(t, adapter.Verify(context.Background(), tampered, reqHeader), domain.ErrInvalidSignature)

	reqHeader.Set("Stripe-Signature", "garbage")
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, reqHeader), domain.ErrInvalidSignature)

	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), domain.ErrInvalidSignature)
}

func TestFactoryRequiresSecrets(t *testing.T) {
	factory := NewFactory()
	_, err := factory.NewAdapter(domain.AdapterConfig{Config: map[string]any{"webhook_secret": "whsec"}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = factory.NewAdapter(domain.AdapterConfig{Config: map[string]any{"secret_key": "sk"}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	adapter, err := factory.NewAdapter(domain.AdapterConfig{Config: map[string]any{"webhook_secret": "whsec", "secret_key": "sk"}})
	require.NoError(t, err)
	assert.NotNil(t, adapter)
}

func TestParseCheckoutWithSubscription(t *testing.T) {
	periodEnd := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).Unix()
	fetcher := &fakeFetcher{subscriptions: map[string]map[string]any{
		"sub_1": activeSubscription("ignored_on_checkout", periodEnd),
	}}
	adapter := newTestAdapter(fetcher)

	payload := stripeEventPayload(t, "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"subscription": "sub_1",
		"metadata":     map[string]any{"user_id": "u1"},
	})

	outcome, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_1"}, fetcher.calls)
	assert.Equal(t, domain.WriteModeUpsert, outcome.Mode)
	assert.Equal(t, domain.PlatformStripe, outcome.Platform)
	require.NotNil(t, outcome.Entitlement)
	assert.Equal(t, "u1", outcome.Entitlement.UserID)
	assert.Equal(t, "prod_1", outcome.Entitlement.ProductID)
	assert.Equal(t, "sub_1", outcome.Entitlement.PurchaseToken)
	assert.True(t, outcome.Entitlement.IsActive)
	require.NotNil(t, outcome.Entitlement.ExpiresAt)
	assert.Equal(t, periodEnd, outcome.Entitlement.ExpiresAt.Unix())
	assert.Contains(t, string(outcome.Entitlement.RawResponse), `"sub_1"`)
}

func TestParseCheckoutOneTime(t *testing.T) {
	adapter := newTestAdapter(&fakeFetcher{})

	payload := stripeEventPayload(t, "checkout.session.completed", map[string]any{
		"id":             "cs_2",
		"payment_status": "paid",
		"metadata":       map[string]any{"user_id": "u1"},
	})
	outcome, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteModeInsert, outcome.Mode)
	assert.Equal(t, "stripe_checkout_product", outcome.Entitlement.ProductID)
	assert.Equal(t, "cs_2", outcome.Entitlement.PurchaseToken)
	assert.Nil(t, outcome.Entitlement.ExpiresAt)
	assert.True(t, outcome.Entitlement.IsActive)

	payload = stripeEventPayload(t, "checkout.session.completed", map[string]any{
		"id":             "cs_3",
		"payment_status": "paid",
		"metadata":       map[string]any{"user_id": "u1", "product_id": "lifetime"},
	})
	outcome, err = adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "lifetime", outcome.Entitlement.ProductID)
}

func TestParseCheckoutEdgeCases(t *testing.T) {
	fetcher := &fakeFetcher{}
	adapter := newTestAdapter(fetcher)

	unpaid := stripeEventPayload(t, "checkout.session.completed", map[string]any{
		"id":             "cs_4",
		"payment_status": "unpaid",
		"metadata":       map[string]any{"user_id": "u1"},
	})
	_, err := adapter.Parse(context.Background(), unpaid)
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	anonymous := stripeEventPayload(t, "checkout.session.completed", map[string]any{
		"id":           "cs_5",
		"subscription": "sub_1",
	})
	_, err = adapter.Parse(context.Background(), anonymous)
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)
	assert.Empty(t, fetcher.calls)
}

func TestParseInvoicePaymentSucceeded(t *testing.T) {
	sub := activeSubscription("u9", 0)
	sub["status"] = "trialing"
	sub["items"] = map[string]any{"data": []any{
		map[string]any{
			"current_period_end": int64(1900000000),
			"price":              map[string]any{"id": "price_1", "product": map[string]any{"id": "prod_expanded"}},
		},
	}}
	fetcher := &fakeFetcher{subscriptions: map[string]map[string]any{"sub_1": sub}}
	adapter := newTestAdapter(fetcher)

	payload := stripeEventPayload(t, "invoice.payment_succeeded", map[string]any{
		"id":           "in_1",
		"subscription": "sub_1",
	})
	outcome, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteModeUpsert, outcome.Mode)
	assert.Equal(t, "u9", outcome.Entitlement.UserID)
	assert.Equal(t, "prod_expanded", outcome.Entitlement.ProductID)
	assert.True(t, outcome.Entitlement.IsActive)
	require.NotNil(t, outcome.Entitlement.ExpiresAt)
	assert.Equal(t, int64(1900000000), outcome.Entitlement.ExpiresAt.Unix())

	nested := stripeEventPayload(t, "invoice.payment_succeeded", map[string]any{
		"id": "in_2",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_1"},
		},
	})
	_, err = adapter.Parse(context.Background(), nested)
	require.NoError(t, err)
	assert.Len(t, fetcher.calls, 2)

	noSub := stripeEventPayload(t, "invoice.payment_succeeded", map[string]any{"id": "in_3"})
	_, err = adapter.Parse(context.Background(), noSub)
	assert.ErrorIs(t, err, domain.ErrNoAction)
}

func TestParseInvoicePaymentSucceededMissingUser(t *testing.T) {
	sub := activeSubscription("", 0)
	fetcher := &fakeFetcher{subscriptions: map[string]map[string]any{"sub_1": sub}}
	adapter := newTestAdapter(fetcher)

	payload := stripeEventPayload(t, "invoice.payment_succeeded", map[string]any{"id": "in_1", "subscription": "sub_1"})
	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)
}

func TestParseSubscriptionDeleted(t *testing.T) {
	fetcher := &fakeFetcher{}
	adapter := newTestAdapter(fetcher)

	sub := activeSubscription("u1", 0)
	sub["status"] = "canceled"
	payload := stripeEventPayload(t, "customer.subscription.deleted", sub)

	outcome, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls)
	assert.Equal(t, domain.WriteModeDeactivate, outcome.Mode)
	assert.Equal(t, "u1", outcome.Entitlement.UserID)
	assert.Equal(t, "prod_1", outcome.Entitlement.ProductID)
	assert.False(t, outcome.Entitlement.IsActive)
}

func TestParseInvoicePaymentFailed(t *testing.T) {
	sub := activeSubscription("u1", 0)
	sub["items"] = map[string]any{"data": []any{}}
	fetcher := &fakeFetcher{subscriptions: map[string]map[string]any{"sub_1": sub}}
	adapter := newTestAdapter(fetcher)

	payload := stripeEventPayload(t, "invoice.payment_failed", map[string]any{"id": "in_1", "subscription": "sub_1"})
	outcome, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteModeDeactivate, outcome.Mode)
	assert.Equal(t, "stripe_subscription", outcome.Entitlement.ProductID)

	noSub := stripeEventPayload(t, "invoice.payment_failed", map[string]any{"id": "in_2"})
	_, err = adapter.Parse(context.Background(), noSub)
	assert.ErrorIs(t, err, domain.ErrNoAction)
}

func TestParseUpstreamFailure(t *testing.T) {
	adapter := newTestAdapter(&fakeFetcher{err: errors.New("connection reset")})

	payload := stripeEventPayload(t, "invoice.payment_failed", map[string]any{"id": "in_1", "subscription": "sub_1"})
	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, domain.ErrUpstreamFetch)
}

func TestParseIgnoredAndInvalid(t *testing.T) {
	adapter := newTestAdapter(&fakeFetcher{})

	_, err := adapter.Parse(context.Background(), stripeEventPayload(t, "payment_intent.created", map[string]any{"id": "pi_1"}))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestExpandableID(t *testing.T) {
	assert.Equal(t, "sub_1", expandableID(json.RawMessage(`"sub_1"`)))
	assert.Equal(t, "sub_2", expandableID(json.RawMessage(`{"id":"sub_2","object":"subscription"}`)))
	assert.Equal(t, "", expandableID(json.RawMessage(`null`)))
	assert.Equal(t, "", expandableID(nil))
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
