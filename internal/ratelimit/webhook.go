package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlementsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ingressKeyFormat    = "webhook:ingress:%s:%s"
	defaultEventLockTTL = 30 * time.Second
)

// WebhookLimiter throttles webhook ingress per provider and client address and
// guards concurrent processing of the same provider event. A nil limiter
// allows everything.
type WebhookLimiter struct {
	bucket *Bucket
	lock   *EventLock
}

// NewWebhookLimiter returns nil when rate limiting is disabled.
func NewWebhookLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*WebhookLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	lockTTL := limitCfg.EventLockTTL
	if lockTTL <= 0 {
		lockTTL = defaultEventLockTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	bucket, err := NewBucket(client, limitCfg.WebhookRate, limitCfg.WebhookBurst)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	lock, err := NewEventLock(client, lockTTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil && log != nil {
					log.Warn("rate limit redis unreachable, failing open", zap.String("addr", addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	return &WebhookLimiter{bucket: bucket, lock: lock}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token for the provider and client address. Redis failures
// are returned alongside an allowing decision.
func (l *WebhookLimiter) Allow(ctx context.Context, provider, clientIP string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	decision, err := l.bucket.Take(ctx, ingressKey(provider, clientIP))
	if err != nil {
		return Decision{Allowed: true, Limit: l.bucket.burst}, err
	}
	return decision, nil
}

// TryLockEvent claims an event id for processing. Events without an id, and
// every event when Redis is unavailable, count as acquired.
func (l *WebhookLimiter) TryLockEvent(ctx context.Context, provider, eventID string) (string, bool, error) {
	if l == nil || l.lock == nil || strings.TrimSpace(eventID) == "" {
		return "", true, nil
	}
	token, ok, err := l.lock.Acquire(ctx, provider, eventID)
	if err != nil {
		return "", true, fmt.Errorf("acquire event lock: %w", err)
	}
	return token, ok, nil
}

func (l *WebhookLimiter) ReleaseEvent(ctx context.Context, provider, eventID, token string) error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Release(ctx, provider, eventID, token)
}

func ingressKey(provider, clientIP string) string {
	clientIP = strings.TrimSpace(clientIP)
	if clientIP == "" {
		clientIP = "unknown"
	}
	return fmt.Sprintf(ingressKeyFormat, strings.ToLower(strings.TrimSpace(provider)), clientIP)
}
