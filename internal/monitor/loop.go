package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/fleet"
	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// Executor is the subset of the Remote Executor the Monitor Loop needs.
type Executor interface {
	Execute(ctx context.Context, machineID string, creds executor.Credentials, command string, timeout time.Duration) (executor.Result, error)
}

// Loop owns one background task per watched machine (spec.md §4.4: "one
// long-running task per machine at a per-machine interval").
type Loop struct {
	exec  Executor
	store fleet.Store
	ts    *timeseries.Store
	log   *logging.Logger
	m     *metrics.Metrics

	defaultInterval time.Duration
	minInterval     time.Duration

	mu    sync.Mutex
	tasks map[string]*machineTask
}

type machineTask struct {
	cancel   context.CancelFunc
	interval chan time.Duration
}

// New creates a Loop. defaultInterval and minInterval implement spec.md
// §4.4's "default 30s, floor 5s".
func New(exec Executor, store fleet.Store, ts *timeseries.Store, log *logging.Logger, m *metrics.Metrics, defaultInterval, minInterval time.Duration) *Loop {
	return &Loop{
		exec: exec, store: store, ts: ts, log: log, m: m,
		defaultInterval: defaultInterval, minInterval: minInterval,
		tasks: map[string]*machineTask{},
	}
}

// Watch starts (or restarts) the monitor task for a machine.
func (l *Loop) Watch(ctx context.Context, m fleet.Machine) {
	l.mu.Lock()
	if existing, ok := l.tasks[m.ID]; ok {
		existing.cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &machineTask{cancel: cancel, interval: make(chan time.Duration, 1)}
	l.tasks[m.ID] = t
	l.mu.Unlock()

	interval := l.clampInterval(m.MonitorInterval)
	go l.run(taskCtx, m.ID, interval, t.interval)
}

// Unwatch cancels and removes a machine's monitor task (spec.md §5:
// "machine deletion cancels its monitor task").
func (l *Loop) Unwatch(machineID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tasks[machineID]; ok {
		t.cancel()
		delete(l.tasks, machineID)
	}
}

// SetInterval updates a watched machine's interval. Per spec.md §4.4,
// "interval updates take effect on the next iteration, not mid-sleep".
func (l *Loop) SetInterval(machineID string, interval time.Duration) {
	l.mu.Lock()
	t, ok := l.tasks[machineID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.interval <- l.clampInterval(interval):
	default:
	}
}

func (l *Loop) clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return l.defaultInterval
	}
	if d < l.minInterval {
		return l.minInterval
	}
	return d
}

func (l *Loop) run(ctx context.Context, machineID string, interval time.Duration, intervalCh chan time.Duration) {
	timer := time.NewTimer(0) // probe immediately on watch
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case newInterval := <-intervalCh:
			interval = newInterval
			continue
		case <-timer.C:
		}

		l.iterate(ctx, machineID)

		select {
		case <-ctx.Done():
			return
		default:
			timer.Reset(interval)
		}
	}
}

// iterate runs a single probe/parse/record cycle, exactly the sequence in
// spec.md §4.4 steps 1-3.
func (l *Loop) iterate(ctx context.Context, machineID string) {
	m, err := l.store.Get(ctx, machineID)
	if err != nil {
		l.log.WithError(err).WithFields(map[string]interface{}{"machine_id": machineID}).Warn("monitor: machine vanished, stopping watch")
		l.Unwatch(machineID)
		return
	}
	if m.State == fleet.StateMaintenance {
		return // spec.md §4.4: "* --admin_maintenance--> MAINTENANCE (no probes)"
	}

	creds := executor.Credentials{
		Host: m.Host, Port: m.Port, User: m.User,
		PrivateKeyBlob: m.PrivateKeyBlob, PasswordBlob: m.PasswordBlob,
	}

	res, execErr := l.exec.Execute(ctx, machineID, creds, probeScript, 15*time.Second)

	var next fleet.State
	var lastErr string

	switch {
	case execErr != nil:
		if apierrors.As(execErr, apierrors.CodeConnectError) {
			next = fleet.StateInactive
		} else {
			next = fleet.StateError
		}
		lastErr = execErr.Error()
	default:
		parsed, parseErr := parseProbeOutput(res.Stdout)
		if parseErr != nil {
			next = fleet.StateError
			lastErr = parseErr.Error()
		} else {
			next = fleet.StateActive
			l.recordMetrics(ctx, machineID, parsed)
		}
	}

	if err := l.store.SetState(ctx, machineID, next, lastErr); err != nil {
		l.log.WithError(err).WithFields(map[string]interface{}{"machine_id": machineID}).Error("monitor: failed to persist state")
		return
	}
	if next == fleet.StateActive {
		_ = l.store.SetLastSeen(ctx, machineID, time.Now().UTC())
	}
	if next != m.State {
		if l.ts != nil {
			_ = l.ts.IncrCounter(ctx, "machine_state_changed", map[string]string{
				"machine_id": machineID, "from": string(m.State), "to": string(next),
			})
		}
		if l.m != nil {
			l.m.MachineStateChange.WithLabelValues(machineID, string(m.State), string(next)).Inc()
		}
	}
}

func (l *Loop) recordMetrics(ctx context.Context, machineID string, p Metrics) {
	if l.ts == nil {
		return
	}
	now := time.Now().UTC()
	labels := map[string]string{"machine_id": machineID}
	samples := map[string]float64{
		"machine.cpu_usage":   p.CPUPercent,
		"machine.memory_used": float64(p.MemoryUsed),
		"machine.disk_used":   float64(p.DiskUsed),
		"machine.load1":       p.Load1,
	}
	for name, value := range samples {
		if err := l.ts.Record(ctx, name, timeseries.Point{Timestamp: now, Value: value, Labels: labels}); err != nil {
			l.log.WithError(err).WithFields(map[string]interface{}{"machine_id": machineID, "metric": name}).Warn("monitor: failed to record metric")
		}
	}
}
