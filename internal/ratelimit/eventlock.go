package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const eventLockKeyFormat = "webhook:event:lock:%s:%s"

// Deletes the key only while it still holds the caller's token.
const eventUnlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// EventLock marks a provider event as being applied. The key expires after
// ttl so a crashed replica cannot hold an event forever.
type EventLock struct {
	client redis.Cmdable
	unlock *redis.Script
	ttl    time.Duration
}

func NewEventLock(client redis.Cmdable, ttl time.Duration) (*EventLock, error) {
	if client == nil {
		return nil, errors.New("event lock client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("event lock ttl must be positive")
	}
	return &EventLock{
		client: client,
		unlock: redis.NewScript(eventUnlockScript),
		ttl:    ttl,
	}, nil
}

// Acquire claims the event and returns the token needed to release it.
func (l *EventLock) Acquire(ctx context.Context, provider, eventID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, eventLockKey(provider, eventID), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *EventLock) Release(ctx context.Context, provider, eventID, token string) error {
	if token == "" {
		return nil
	}
	return l.unlock.Run(ctx, l.client, []string{eventLockKey(provider, eventID)}, token).Err()
}

func eventLockKey(provider, eventID string) string {
	return fmt.Sprintf(eventLockKeyFormat, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID))
}
