package domain

// Catalog holds provider fallback product ids and RevenueCat tier names.
type Catalog struct {
	Stripe     ProductDefaults `mapstructure:"stripe"`
	Paystack   ProductDefaults `mapstructure:"paystack"`
	RevenueCat TierNames       `mapstructure:"revenuecat"`
}

type ProductDefaults struct {
	OneTimeProduct      string `mapstructure:"one_time_product"`
	SubscriptionProduct string `mapstructure:"subscription_product"`
}

type TierNames struct {
	PaidTier     string `mapstructure:"paid_tier"`
	FreeTier     string `mapstructure:"free_tier"`
	YearlyMarker string `mapstructure:"yearly_marker"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Stripe: ProductDefaults{
			OneTimeProduct:      "stripe_checkout_product",
			SubscriptionProduct: "stripe_subscription",
		},
		Paystack: ProductDefaults{
			OneTimeProduct:      "paystack_one_time",
			SubscriptionProduct: "paystack_subscription",
		},
		RevenueCat: TierNames{
			PaidTier:     "premium",
			FreeTier:     "free",
			YearlyMarker: "yearly",
		},
	}
}

// CatalogSource returns the current catalog. It may change between calls.
type CatalogSource interface {
	Get() Catalog
}

// StaticCatalog is a CatalogSource that never changes.
type StaticCatalog Catalog

func (c StaticCatalog) Get() Catalog { return Catalog(c) }
