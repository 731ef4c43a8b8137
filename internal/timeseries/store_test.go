package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketKey_FormatsByResolution(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "timeseries:1m:machine.cpu_usage:2026-07-29T14:30:00Z", bucketKey(Resolution1m, "machine.cpu_usage", ts))
	assert.Equal(t, "timeseries:1h:machine.cpu_usage:2026-07-29T14:30:00Z", bucketKey(Resolution1h, "machine.cpu_usage", ts))
}

func TestLatestMetricKey_StableAcrossLabelOrder(t *testing.T) {
	a := latestMetricKey("machine.cpu_usage", map[string]string{"machine_id": "m1", "region": "us"})
	b := latestMetricKey("machine.cpu_usage", map[string]string{"region": "us", "machine_id": "m1"})
	assert.Equal(t, a, b)
}

func TestLatestMetricKey_NoLabels(t *testing.T) {
	assert.Equal(t, "metric:foo:latest", latestMetricKey("foo", nil))
}

func TestLabelsMatch_Equality(t *testing.T) {
	have := map[string]string{"machine_id": "m1", "region": "us"}
	assert.True(t, labelsMatch(have, map[string]string{"machine_id": "m1"}))
	assert.False(t, labelsMatch(have, map[string]string{"machine_id": "m2"}))
	assert.True(t, labelsMatch(have, nil))
}

func TestResolutionDuration(t *testing.T) {
	assert.Equal(t, time.Minute, resolutionDuration(Resolution1m))
	assert.Equal(t, time.Hour, resolutionDuration(Resolution1h))
	assert.Equal(t, 24*time.Hour, resolutionDuration(Resolution1d))
}
