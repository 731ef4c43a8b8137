package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	notificationTTL = 30 * 24 * time.Hour // spec.md §4.9: failed notifications retained 30 days
	readyQueueKey   = "notifications:ready"
	retryZSetKey    = "notifications:retry"
)

func notificationKey(id string) string { return "notification:" + id }

// RedisStore is the durable FIFO queue backing the Notifier, implemented
// as a Redis list (ready queue) plus a sorted-set retry schedule keyed by
// NextRetryAt, mirroring the key-value persistence model spec.md §6
// prescribes for rules/alerts/notifications.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected redis.Client.
func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

// Save persists (or updates) a notification's record, independent of queue
// membership.
func (s *RedisStore) Save(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ttl := time.Duration(0)
	if n.Status == StatusSent || n.Status == StatusFailed {
		ttl = notificationTTL
	}
	if err := s.rdb.Set(ctx, notificationKey(n.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	if n.Status == StatusPending {
		return s.rdb.RPush(ctx, readyQueueKey, n.ID).Err()
	}
	return nil
}

// Dequeue pops the next ready notification, promoting any due retries
// first.
func (s *RedisStore) Dequeue(ctx context.Context) (Notification, bool, error) {
	if err := s.promoteDueRetries(ctx); err != nil {
		return Notification{}, false, err
	}

	id, err := s.rdb.LPop(ctx, readyQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, fmt.Errorf("pop ready queue: %w", err)
	}

	payload, err := s.rdb.Get(ctx, notificationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, fmt.Errorf("get notification %s: %w", id, err)
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, false, fmt.Errorf("unmarshal notification %s: %w", id, err)
	}
	return n, true, nil
}

// Retry reschedules n for dispatch at "at" (exponential backoff per
// pkg/resilience.NotifierBackoff).
func (s *RedisStore) Retry(ctx context.Context, n Notification, at time.Time) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.rdb.Set(ctx, notificationKey(n.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return s.rdb.ZAdd(ctx, retryZSetKey, &redis.Z{Score: float64(at.Unix()), Member: n.ID}).Err()
}

func (s *RedisStore) promoteDueRetries(ctx context.Context) error {
	now := float64(time.Now().UTC().Unix())
	ids, err := s.rdb.ZRangeByScore(ctx, retryZSetKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("scan due retries: %w", err)
	}
	for _, id := range ids {
		if err := s.rdb.ZRem(ctx, retryZSetKey, id).Err(); err != nil {
			return fmt.Errorf("remove due retry %s: %w", id, err)
		}
		if err := s.rdb.RPush(ctx, readyQueueKey, id).Err(); err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
	}
	return nil
}
