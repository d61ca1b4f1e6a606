package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(
		provideConfig,
		NewCatalogHolder,
	),
)

func provideConfig() (Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
