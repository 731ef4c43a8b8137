package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/google/uuid"
)

// RedisStore persists rules and alerts in the key-value store, keyed
// `<kind>:<id>` per spec.md §6 ("Persisted state: ... rules, alerts,
// notifications in a key-value store keyed by <kind>:<id>").
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected redis.Client.
func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func ruleKey(id string) string  { return "rule:" + id }
func alertKey(id string) string { return "alert:" + id }

const ruleIndexKey = "rules:enabled"
const alertIndexKey = "alerts:index"

// CreateRule persists a new rule and adds it to the enabled-rules index.
func (s *RedisStore) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return Rule{}, fmt.Errorf("marshal rule: %w", err)
	}
	if err := s.rdb.Set(ctx, ruleKey(r.ID), payload, 0).Err(); err != nil {
		return Rule{}, fmt.Errorf("save rule: %w", err)
	}
	if r.Enabled {
		if err := s.rdb.SAdd(ctx, ruleIndexKey, r.ID).Err(); err != nil {
			return Rule{}, fmt.Errorf("index rule: %w", err)
		}
	}
	return r, nil
}

// ListEnabledRules returns every rule currently marked enabled.
func (s *RedisStore) ListEnabledRules(ctx context.Context) ([]Rule, error) {
	ids, err := s.rdb.SMembers(ctx, ruleIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rule ids: %w", err)
	}
	rules := make([]Rule, 0, len(ids))
	for _, id := range ids {
		payload, err := s.rdb.Get(ctx, ruleKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get rule %s: %w", id, err)
		}
		var r Rule
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("unmarshal rule %s: %w", id, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Save persists an alert and tracks its id in the alert index.
func (s *RedisStore) Save(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.rdb.Set(ctx, alertKey(a.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return s.rdb.SAdd(ctx, alertIndexKey, a.ID).Err()
}

// Get loads an alert by id.
func (s *RedisStore) Get(ctx context.Context, id string) (Alert, error) {
	payload, err := s.rdb.Get(ctx, alertKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Alert{}, fmt.Errorf("alert %s: %w", id, errAlertNotFound)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return Alert{}, fmt.Errorf("unmarshal alert %s: %w", id, err)
	}
	return a, nil
}

var errAlertNotFound = errors.New("alert not found")

// FindActive scans for an ACTIVE alert matching (ruleID, labels); spec.md's
// invariant guarantees at most one exists.
func (s *RedisStore) FindActive(ctx context.Context, ruleID string, labels map[string]string) (Alert, bool, error) {
	all, err := s.list(ctx)
	if err != nil {
		return Alert{}, false, err
	}
	for _, a := range all {
		if a.RuleID == ruleID && a.State == StateActive && fingerprint(a.Labels) == fingerprint(labels) {
			return a, true, nil
		}
	}
	return Alert{}, false, nil
}

// List returns alerts matching severity/state; zero value on either filters
// skips that dimension.
func (s *RedisStore) List(ctx context.Context, severity Severity, state State) ([]Alert, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []Alert
	for _, a := range all {
		if severity != "" && a.Severity != severity {
			continue
		}
		if state != "" && a.State != state {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) list(ctx context.Context) ([]Alert, error) {
	ids, err := s.rdb.SMembers(ctx, alertIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list alert ids: %w", err)
	}
	alerts := make([]Alert, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if errors.Is(err, errAlertNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
