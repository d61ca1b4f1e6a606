package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type CatalogHolder struct {
	current atomic.Value // holds domain.Catalog
}

// NewStaticCatalog returns a holder that never reloads.
func NewStaticCatalog(c domain.Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder
}

// NewCatalogHolder loads catalog.yml when present and reloads it on change.
// Invalid reloads are logged and the previous catalog stays active.
func NewCatalogHolder(logger *zap.Logger) (*CatalogHolder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("catalog")

	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlementsync/config")
	v.AddConfigPath("/etc/entitlementsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := domain.DefaultCatalog()
	v.SetDefault("catalog.stripe.one_time_product", defaults.Stripe.OneTimeProduct)
	v.SetDefault("catalog.stripe.subscription_product", defaults.Stripe.SubscriptionProduct)
	v.SetDefault("catalog.paystack.one_time_product", defaults.Paystack.OneTimeProduct)
	v.SetDefault("catalog.paystack.subscription_product", defaults.Paystack.SubscriptionProduct)
	v.SetDefault("catalog.revenuecat.paid_tier", defaults.RevenueCat.PaidTier)
	v.SetDefault("catalog.revenuecat.free_tier", defaults.RevenueCat.FreeTier)
	v.SetDefault("catalog.revenuecat.yearly_marker", defaults.RevenueCat.YearlyMarker)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCatalog(cfg)
	if !fileFound {
		logger.Info("no catalog file, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			logger.Warn("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalog(updated); err != nil {
			logger.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		logger.Info("catalog reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodeCatalog goes through AllSettings so file keys merge with defaults
// leaf by leaf.
func decodeCatalog(v *viper.Viper) (domain.Catalog, error) {
	var file struct {
		Catalog domain.Catalog `mapstructure:"catalog"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return domain.Catalog{}, err
	}
	return file.Catalog, nil
}

func (h *CatalogHolder) Get() domain.Catalog {
	if h == nil {
		return domain.DefaultCatalog()
	}
	c, ok := h.current.Load().(domain.Catalog)
	if !ok {
		return domain.DefaultCatalog()
	}
	return c
}

func validateCatalog(c domain.Catalog) error {
	if strings.TrimSpace(c.Stripe.OneTimeProduct) == "" || strings.TrimSpace(c.Stripe.SubscriptionProduct) == "" {
		return errors.New("catalog.stripe product defaults cannot be empty")
	}
	if strings.TrimSpace(c.Paystack.OneTimeProduct) == "" || strings.TrimSpace(c.Paystack.SubscriptionProduct) == "" {
		return errors.New("catalog.paystack product defaults cannot be empty")
	}
	if strings.TrimSpace(c.RevenueCat.PaidTier) == "" || strings.TrimSpace(c.RevenueCat.FreeTier) == "" {
		return errors.New("catalog.revenuecat tiers cannot be empty")
	}
	if strings.TrimSpace(c.RevenueCat.YearlyMarker) == "" {
		return errors.New("catalog.revenuecat.yearly_marker cannot be empty")
	}
	return nil
}

var _ domain.CatalogSource = (*CatalogHolder)(nil)
