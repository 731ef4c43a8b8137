// Package timeseries implements the Time-Series Store (C5): three parallel
// resolution buckets per metric name, ingested with opportunistic rollup
// and queried by name/time-range/label selector.
//
// Grounded directly on
// original_source/backend/app/plugins/monitoring/service.py's
// _update_timeseries (exact key scheme and TTLs: timeseries:1m:<name>:<ts>
// with 7d TTL, timeseries:1h with 30d TTL, timeseries:1d with 365d TTL,
// rolled up opportunistically at minute-0/hour-0 boundaries) and
// record_metric's metric:<id> 24h-TTL keyspace (design note §9(c): both
// keyspaces are kept). Reworked onto go-redis/v8, the corpus's Redis client.
package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetops/control-plane/pkg/apierrors"
)

const (
	minuteTTL = 7 * 24 * time.Hour
	hourTTL   = 30 * 24 * time.Hour
	dayTTL    = 365 * 24 * time.Hour
	metricTTL = 24 * time.Hour
)

// Resolution names a timeseries bucket granularity.
type Resolution string

const (
	Resolution1m Resolution = "1m"
	Resolution1h Resolution = "1h"
	Resolution1d Resolution = "1d"
)

// Point is one sample at a point in time.
type Point struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
}

// Store is a Redis-backed multi-resolution timeseries store.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-connected redis.Client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to a Redis server at addr.
func Open(addr, password string, db int) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}))
}

func (s *Store) Close() error { return s.rdb.Close() }

// Record appends a sample to the 1m bucket, opportunistically rolling it
// into the 1h bucket at minute-0 and the 1d bucket at hour-0/minute-0
// (no background rollup job — spec.md §4.5), and separately stores the
// latest-value snapshot under the 24h-TTL metric:* keyspace.
func (s *Store) Record(ctx context.Context, name string, point Point) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return apierrors.MonitoringError("failed to marshal metric sample", err)
	}

	minuteTS := point.Timestamp.Truncate(time.Minute)
	minuteKey := bucketKey(Resolution1m, name, minuteTS)
	if err := s.rdb.RPush(ctx, minuteKey, payload).Err(); err != nil {
		return apierrors.MonitoringError("failed to append timeseries sample", err)
	}
	s.rdb.Expire(ctx, minuteKey, minuteTTL)

	if minuteTS.Minute() == 0 {
		hourTS := minuteTS.Truncate(time.Hour)
		hourKey := bucketKey(Resolution1h, name, hourTS)
		if err := s.rdb.RPush(ctx, hourKey, payload).Err(); err == nil {
			s.rdb.Expire(ctx, hourKey, hourTTL)
		}

		if hourTS.Hour() == 0 {
			dayTS := hourTS.Truncate(24 * time.Hour)
			dayKey := bucketKey(Resolution1d, name, dayTS)
			if err := s.rdb.RPush(ctx, dayKey, payload).Err(); err == nil {
				s.rdb.Expire(ctx, dayKey, dayTTL)
			}
		}
	}

	metricKey := latestMetricKey(name, point.Labels)
	if err := s.rdb.Set(ctx, metricKey, payload, metricTTL).Err(); err != nil {
		return apierrors.MonitoringError("failed to record latest metric snapshot", err)
	}
	return nil
}

// Series returns every point recorded for name at resolution within
// [from, to], filtered to points whose labels contain every entry in labels
// with an equal value (extra labels on a point do not exclude it).
func (s *Store) Series(ctx context.Context, name string, from, to time.Time, resolution Resolution, labels map[string]string) ([]Point, error) {
	var out []Point
	bucketDur := resolutionDuration(resolution)
	for ts := from.Truncate(bucketDur); !ts.After(to); ts = ts.Add(bucketDur) {
		key := bucketKey(resolution, name, ts)
		raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, apierrors.MonitoringError("failed to read timeseries bucket", err)
		}
		for _, item := range raw {
			var p Point
			if err := json.Unmarshal([]byte(item), &p); err != nil {
				continue
			}
			if !p.Timestamp.Before(from) && !p.Timestamp.After(to) && labelsMatch(p.Labels, labels) {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Latest returns the newest snapshot for name/labels from the metric:*
// keyspace, regardless of resolution.
func (s *Store) Latest(ctx context.Context, name string, labels map[string]string) (Point, bool, error) {
	raw, err := s.rdb.Get(ctx, latestMetricKey(name, labels)).Result()
	if err == redis.Nil {
		return Point{}, false, nil
	}
	if err != nil {
		return Point{}, false, apierrors.MonitoringError("failed to read latest metric", err)
	}
	var p Point
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Point{}, false, apierrors.MonitoringError("failed to unmarshal latest metric", err)
	}
	return p, true, nil
}

// IncrCounter records a monotonic counter event (e.g. machine_state_changed)
// by appending a 1m-bucket sample with value 1, matching spec.md §4.4's
// "surfaced as events ... into C5 as a counter".
func (s *Store) IncrCounter(ctx context.Context, name string, labels map[string]string) error {
	return s.Record(ctx, name, Point{Timestamp: time.Now().UTC(), Value: 1, Labels: labels})
}

func bucketKey(res Resolution, name string, ts time.Time) string {
	return fmt.Sprintf("timeseries:%s:%s:%s", res, name, ts.UTC().Format(time.RFC3339))
}

func latestMetricKey(name string, labels map[string]string) string {
	return fmt.Sprintf("metric:%s:%s", name, labelFingerprint(labels))
}

func labelFingerprint(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fp := ""
	for _, k := range keys {
		fp += k + "=" + labels[k] + ","
	}
	if fp == "" {
		return "latest"
	}
	return fp
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func resolutionDuration(res Resolution) time.Duration {
	switch res {
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
