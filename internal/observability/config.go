package observability

import (
	"strconv"
	"strings"

	"github.com/smallbiznis/entitlementsync/internal/config"
	"github.com/spf13/viper"
)

const defaultSamplingRatio = 0.1

// Config is the logging, tracing and metrics setup shared by every receiver.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig layers the OTEL_* and LOG_* environment over the app config.
func LoadConfig(cfg config.Config) Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEPLOYMENT_ENV", cfg.Environment)
	v.SetDefault("SERVICE_VERSION", cfg.AppVersion)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "entitlementsync"
	}

	protocol := normalize(v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if traces := normalize(v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
		Version:              strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		LogLevel:             normalize(v.GetString("LOG_LEVEL")),
		LogFormat:            normalize(v.GetString("LOG_FORMAT")),
		OtelEnabled:          enabledFlag(v.GetString("OTEL_ENABLED"), true),
		OtelExporterEndpoint: strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    samplingRatio(v.GetString("OTEL_SAMPLING_RATIO")),
	}
}

// Debug is true for debug logging or any local environment.
func (c Config) Debug() bool {
	if normalize(c.LogLevel) == "debug" {
		return true
	}
	switch normalize(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func enabledFlag(value string, def bool) bool {
	switch normalize(value) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func samplingRatio(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultSamplingRatio
	}
	ratio, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultSamplingRatio
	}
	return ratio
}
