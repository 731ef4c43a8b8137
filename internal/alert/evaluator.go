package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// TimeSeries is the subset of the Time-Series Store the evaluator reads.
type TimeSeries interface {
	Latest(ctx context.Context, name string, labels map[string]string) (timeseries.Point, bool, error)
	Series(ctx context.Context, name string, from, to time.Time, resolution timeseries.Resolution, labels map[string]string) ([]timeseries.Point, error)
}

// Notifier is the subset of the Notifier the evaluator enqueues onto.
type Notifier interface {
	Enqueue(ctx context.Context, sink string, a Alert) error
}

// Evaluator runs the periodic rule evaluation tick.
type Evaluator struct {
	rules    RuleStore
	alerts   AlertStore
	ts       TimeSeries
	notifier Notifier
	log      *logging.Logger
	m        *metrics.Metrics
	interval time.Duration
}

// New creates an Evaluator ticking every interval (spec.md §4.8: 60s default).
func New(rules RuleStore, alerts AlertStore, ts TimeSeries, notifier Notifier, log *logging.Logger, m *metrics.Metrics, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Evaluator{rules: rules, alerts: alerts, ts: ts, notifier: notifier, log: log, m: m, interval: interval}
}

// Run ticks until ctx is cancelled, evaluating all enabled rules each tick.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.Tick(ctx)
	}
}

// Tick evaluates every enabled rule once. Rules are evaluated sequentially
// (spec.md §5: "per alert rule, evaluations are strictly sequential").
func (e *Evaluator) Tick(ctx context.Context) {
	rules, err := e.rules.ListEnabledRules(ctx)
	if err != nil {
		e.log.WithError(err).Error("alert evaluator: failed to list rules")
		return
	}
	for _, r := range rules {
		if err := e.evaluateRule(ctx, r); err != nil {
			e.log.WithError(err).WithFields(map[string]interface{}{"rule_id": r.ID}).Error("alert evaluator: rule evaluation failed")
		}
	}
}

func (e *Evaluator) evaluateRule(ctx context.Context, r Rule) error {
	holds, value, err := e.conditionHolds(ctx, r.Condition)
	if err != nil {
		return err
	}

	existing, found, err := e.alerts.FindActive(ctx, r.ID, r.Condition.Labels)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if !holds {
		// spec.md §4.8 step 5: condition no longer holding does not
		// auto-resolve an ACTIVE alert; only an operator resolves it.
		return nil
	}

	if found {
		// step 4: update last_detected_at and value only, no new notification.
		existing.Value = value
		existing.LastDetectedAt = now
		return e.alerts.Save(ctx, existing)
	}

	// step 3: no ACTIVE alert for (rule, label-set) — create one and notify.
	a := Alert{
		ID:              uuid.NewString(),
		RuleID:          r.ID,
		Name:            r.Name,
		Description:     r.Condition.String(),
		Severity:        r.Severity,
		State:           StateActive,
		Value:           value,
		Threshold:       r.Condition.Threshold,
		Labels:          r.Condition.Labels,
		FirstDetectedAt: now,
		LastDetectedAt:  now,
	}
	if err := e.alerts.Save(ctx, a); err != nil {
		return err
	}
	if e.m != nil {
		e.m.AlertsFired.WithLabelValues(string(r.Severity)).Inc()
	}
	for _, sink := range r.Notifications {
		if err := e.notifier.Enqueue(ctx, sink, a); err != nil {
			e.log.WithError(err).WithFields(map[string]interface{}{"alert_id": a.ID, "sink": sink}).Error("alert evaluator: failed to enqueue notification")
		}
	}
	return nil
}

// conditionHolds evaluates a rule's condition against the latest value, and
// for duration>0 conditions, requires every 1m sample since now-duration to
// satisfy the operator (spec.md §4.8 step 2; design note §9's stateless
// duration approach).
func (e *Evaluator) conditionHolds(ctx context.Context, c Condition) (bool, float64, error) {
	latest, ok, err := e.ts.Latest(ctx, c.MetricName, c.Labels)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	if !c.Operator.Apply(latest.Value, c.Threshold) {
		return false, latest.Value, nil
	}
	if c.Duration <= 0 {
		return true, latest.Value, nil
	}

	now := time.Now().UTC()
	points, err := e.ts.Series(ctx, c.MetricName, now.Add(-c.Duration), now, timeseries.Resolution1m, c.Labels)
	if err != nil {
		return false, latest.Value, err
	}
	if len(points) == 0 {
		return false, latest.Value, nil
	}
	for _, p := range points {
		if !c.Operator.Apply(p.Value, c.Threshold) {
			return false, latest.Value, nil
		}
	}
	return true, latest.Value, nil
}

// CreateRule persists a new alert rule, exposed so the HTTP surface can
// register rules without a separate handle on the RuleStore.
func (e *Evaluator) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return e.rules.CreateRule(ctx, r)
}

// ListAlerts returns alerts matching an optional severity/state filter
// (empty string matches any value), exposed for the HTTP surface's
// GET /monitoring/alerts endpoint.
func (e *Evaluator) ListAlerts(ctx context.Context, severity Severity, state State) ([]Alert, error) {
	return e.alerts.List(ctx, severity, state)
}

// Acknowledge transitions an alert ACTIVE→ACKNOWLEDGED.
func (e *Evaluator) Acknowledge(ctx context.Context, id, by string) error {
	a, err := e.alerts.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.State != StateActive {
		return apierrors.New(apierrors.CodeConflict, "only an ACTIVE alert can be acknowledged").
			WithDetail("id", id).WithDetail("state", string(a.State))
	}
	a.State = StateAcknowledged
	now := time.Now().UTC()
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	return e.alerts.Save(ctx, a)
}

// Resolve transitions an alert (any state) → RESOLVED with resolved_at=now,
// the terminal state (spec.md §4.8).
func (e *Evaluator) Resolve(ctx context.Context, id, note string) error {
	a, err := e.alerts.Get(ctx, id)
	if err != nil {
		return err
	}
	a.State = StateResolved
	now := time.Now().UTC()
	a.ResolvedAt = &now
	a.ResolutionNote = note
	return e.alerts.Save(ctx, a)
}
