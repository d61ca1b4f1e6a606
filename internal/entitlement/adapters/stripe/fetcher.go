package stripe

import (
	"context"
	"encoding/json"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// SubscriptionFetcher retrieves the live subscription object as raw JSON.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, id string) (json.RawMessage, error)
}

type APIFetcher struct {
	client *subscription.Client
}

func NewAPIFetcher(apiKey string) *APIFetcher {
	return &APIFetcher{client: &subscription.Client{
		B:   stripeapi.GetBackend(stripeapi.APIBackend),
		Key: apiKey,
	}}
}

func (f *APIFetcher) FetchSubscription(ctx context.Context, id string) (json.RawMessage, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	sub, err := f.client.Get(id, params)
	if err != nil {
		return nil, err
	}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return sub.LastResponse.RawJSON, nil
	}
	return json.Marshal(sub)
}
