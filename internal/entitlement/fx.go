package entitlement

import (
	"github.com/smallbiznis/entitlementsync/internal/entitlement/adapters"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/adapters/paystack"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/adapters/revenuecat"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/adapters/stripe"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/repository"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/service"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			paystack.NewFactory(),
			revenuecat.NewFactory(),
		)
	}),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
