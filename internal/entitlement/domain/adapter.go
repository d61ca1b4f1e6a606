package domain

import (
	"context"
	"net/http"
)

// AdapterConfig carries the provider settings an adapter is built from.
type AdapterConfig struct {
	Provider string
	Config   map[string]any
	Catalog  CatalogSource
}

// ProviderAdapter verifies and normalizes webhook deliveries for one provider.
type ProviderAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Outcome, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (ProviderAdapter, error)
}
