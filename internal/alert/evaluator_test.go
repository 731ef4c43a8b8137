package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/logging"
)

type fakeRuleStore struct {
	rules []Rule
}

func (f *fakeRuleStore) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	f.rules = append(f.rules, r)
	return r, nil
}

func (f *fakeRuleStore) ListEnabledRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	for _, r := range f.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts map[string]Alert
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: map[string]Alert{}}
}

func (f *fakeAlertStore) Save(ctx context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[a.ID] = a
	return nil
}

func (f *fakeAlertStore) Get(ctx context.Context, id string) (Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return Alert{}, assert.AnError
	}
	return a, nil
}

func (f *fakeAlertStore) FindActive(ctx context.Context, ruleID string, labels map[string]string) (Alert, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.RuleID == ruleID && a.State == StateActive && fingerprint(a.Labels) == fingerprint(labels) {
			return a, true, nil
		}
	}
	return Alert{}, false, nil
}

func (f *fakeAlertStore) List(ctx context.Context, severity Severity, state State) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Alert
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out, nil
}

type fakeTimeSeries struct {
	latest map[string]timeseries.Point
	series map[string][]timeseries.Point
}

func newFakeTimeSeries() *fakeTimeSeries {
	return &fakeTimeSeries{latest: map[string]timeseries.Point{}, series: map[string][]timeseries.Point{}}
}

func (f *fakeTimeSeries) Latest(ctx context.Context, name string, labels map[string]string) (timeseries.Point, bool, error) {
	p, ok := f.latest[name]
	return p, ok, nil
}

func (f *fakeTimeSeries) Series(ctx context.Context, name string, from, to time.Time, resolution timeseries.Resolution, labels map[string]string) ([]timeseries.Point, error) {
	return f.series[name], nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []Alert
}

func (f *fakeNotifier) Enqueue(ctx context.Context, sink string, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, a)
	return nil
}

func TestTick_ConditionHolds_CreatesAlertAndNotifies(t *testing.T) {
	rules := &fakeRuleStore{rules: []Rule{{
		ID: "r1", Name: "cpu-high", Severity: SeverityWarning, Enabled: true,
		Condition:     Condition{MetricName: "machine.cpu_usage", Operator: OpGT, Threshold: 90},
		Notifications: []string{"webhook"},
	}}}
	alerts := newFakeAlertStore()
	ts := newFakeTimeSeries()
	ts.latest["machine.cpu_usage"] = timeseries.Point{Value: 95}
	notifier := &fakeNotifier{}

	e := New(rules, alerts, ts, notifier, logging.NewFromEnv("test"), nil, time.Second)
	e.Tick(context.Background())

	require.Len(t, alerts.alerts, 1)
	require.Len(t, notifier.got, 1)
	for _, a := range alerts.alerts {
		assert.Equal(t, StateActive, a.State)
		assert.InDelta(t, 95, a.Value, 0.001)
	}
}

func TestTick_ExistingActiveAlert_UpdatesWithoutNewNotification(t *testing.T) {
	rules := &fakeRuleStore{rules: []Rule{{
		ID: "r1", Name: "cpu-high", Severity: SeverityWarning, Enabled: true,
		Condition:     Condition{MetricName: "machine.cpu_usage", Operator: OpGT, Threshold: 90},
		Notifications: []string{"webhook"},
	}}}
	alerts := newFakeAlertStore()
	existing := Alert{ID: "a1", RuleID: "r1", State: StateActive, Value: 91, FirstDetectedAt: time.Now().UTC()}
	alerts.alerts["a1"] = existing
	ts := newFakeTimeSeries()
	ts.latest["machine.cpu_usage"] = timeseries.Point{Value: 96}
	notifier := &fakeNotifier{}

	e := New(rules, alerts, ts, notifier, logging.NewFromEnv("test"), nil, time.Second)
	e.Tick(context.Background())

	require.Len(t, alerts.alerts, 1)
	require.Empty(t, notifier.got)
	assert.InDelta(t, 96, alerts.alerts["a1"].Value, 0.001)
}

func TestTick_ConditionCeasesToHold_LeavesAlertActive(t *testing.T) {
	rules := &fakeRuleStore{rules: []Rule{{
		ID: "r1", Name: "cpu-high", Severity: SeverityWarning, Enabled: true,
		Condition: Condition{MetricName: "machine.cpu_usage", Operator: OpGT, Threshold: 90},
	}}}
	alerts := newFakeAlertStore()
	alerts.alerts["a1"] = Alert{ID: "a1", RuleID: "r1", State: StateActive, Value: 91}
	ts := newFakeTimeSeries()
	ts.latest["machine.cpu_usage"] = timeseries.Point{Value: 50}
	notifier := &fakeNotifier{}

	e := New(rules, alerts, ts, notifier, logging.NewFromEnv("test"), nil, time.Second)
	e.Tick(context.Background())

	assert.Equal(t, StateActive, alerts.alerts["a1"].State)
}

func TestConditionHolds_Duration_RequiresAllSamples(t *testing.T) {
	ts := newFakeTimeSeries()
	ts.latest["m"] = timeseries.Point{Value: 95}
	ts.series["m"] = []timeseries.Point{{Value: 95}, {Value: 80}, {Value: 91}}

	e := New(&fakeRuleStore{}, newFakeAlertStore(), ts, &fakeNotifier{}, logging.NewFromEnv("test"), nil, time.Second)
	holds, _, err := e.conditionHolds(context.Background(), Condition{MetricName: "m", Operator: OpGT, Threshold: 90, Duration: 2 * time.Minute})
	require.NoError(t, err)
	assert.False(t, holds)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	alerts := newFakeAlertStore()
	alerts.alerts["a1"] = Alert{ID: "a1", State: StateActive}
	e := New(&fakeRuleStore{}, alerts, newFakeTimeSeries(), &fakeNotifier{}, logging.NewFromEnv("test"), nil, time.Second)

	require.NoError(t, e.Acknowledge(context.Background(), "a1", "ops"))
	assert.Equal(t, StateAcknowledged, alerts.alerts["a1"].State)
	assert.Equal(t, "ops", alerts.alerts["a1"].AcknowledgedBy)

	require.NoError(t, e.Resolve(context.Background(), "a1", "fixed"))
	assert.Equal(t, StateResolved, alerts.alerts["a1"].State)
	assert.Equal(t, "fixed", alerts.alerts["a1"].ResolutionNote)
}
