package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlementsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlementsync/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonProviderIP = "provider-ip"

// WebhookRateLimit throttles deliveries per provider and client address.
// Limiter failures let the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.limiter.Allow(ctx, provider, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit check failed, allowing request",
				zap.String("provider", provider),
				zap.Error(err),
			)
		}
		if !result.Allowed {
			denyWebhookRateLimit(c, provider, endpoint, result.RetryAfter, result.Limit, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, provider, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyWebhookRateLimit(c *gin.Context, provider, endpoint string, retryAfter time.Duration, limit int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("webhook rate limit exceeded",
		zap.String("provider", provider),
		zap.String("reason", rateLimitReasonProviderIP),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, provider, endpoint, rateLimitReasonProviderIP, metrics)

	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonProviderIP)
	c.Set(contextWebhookOutcome, "rate_limited")
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func recordRateLimitAllowed(ctx context.Context, provider, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, provider, endpoint)
}

func recordRateLimitDenied(ctx context.Context, provider, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, provider, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
