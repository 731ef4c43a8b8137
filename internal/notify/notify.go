// Package notify implements the Notifier (C9): a durable FIFO queue of
// alert notifications, dispatched by a single worker to a named sink with
// exponential-backoff retry.
//
// Grounded on original_source/backend/app/plugins/monitoring/service.py's
// notification dispatch (sink lookup by name, at-least-once delivery) and
// on pkg/resilience's NotifierBackoff/NotifierMaxAttempts schedule, which
// already encodes spec.md §4.9's exact 1s/5s/30s/5m, cap-10 policy.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fleetops/control-plane/internal/alert"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
	"github.com/fleetops/control-plane/pkg/resilience"
)

// Status is a notification's delivery status.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Notification is one attempted delivery of an alert to a sink.
type Notification struct {
	ID          string
	AlertID     string
	Sink        string
	Alert       alert.Alert
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	SentAt      *time.Time
	LastError   string
	NextRetryAt time.Time
}

// Sink delivers one notification to a concrete destination.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Store persists the notification queue (retained 30 days after failure,
// per spec.md §4.9).
type Store interface {
	Save(ctx context.Context, n Notification) error
	Dequeue(ctx context.Context) (Notification, bool, error)
	Retry(ctx context.Context, n Notification, at time.Time) error
}

// Notifier owns the single dispatch worker and the sink registry.
type Notifier struct {
	store Store
	sinks map[string]Sink
	log   *logging.Logger
	m     *metrics.Metrics

	mu   sync.Mutex
	wake chan struct{}
}

// New creates a Notifier dispatching to the given named sinks.
func New(store Store, sinks map[string]Sink, log *logging.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{store: store, sinks: sinks, log: log, m: m, wake: make(chan struct{}, 1)}
}

// Enqueue appends a new pending notification for (alert, sink).
func (n *Notifier) Enqueue(ctx context.Context, sink string, a alert.Alert) error {
	notification := Notification{
		ID:        uuid.NewString(),
		AlertID:   a.ID,
		Sink:      sink,
		Alert:     a,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := n.store.Save(ctx, notification); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	n.nudge()
	return nil
}

func (n *Notifier) nudge() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run drives the single dispatch worker until ctx is cancelled
// (spec.md §4.9: "a single worker dequeues, dispatches ... at-least-once").
// The periodic sweep (promoting due retries and catching any notification
// missed by a nudge) runs on an "@every 1s" cron schedule rather than a
// bare ticker.
func (n *Notifier) Run(ctx context.Context) {
	c := cron.New()
	tickCh := make(chan struct{}, 1)
	if _, err := c.AddFunc("@every 1s", func() {
		select {
		case tickCh <- struct{}{}:
		default:
		}
	}); err != nil {
		n.log.WithError(err).Error("notifier: failed to schedule sweep, falling back to wake-only drain")
	}
	c.Start()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickCh:
		case <-n.wake:
		}
		n.drainOnce(ctx)
	}
}

// drainOnce dispatches every currently-dequeueable notification.
func (n *Notifier) drainOnce(ctx context.Context) {
	for {
		notification, ok, err := n.store.Dequeue(ctx)
		if err != nil {
			n.log.WithError(err).Error("notifier: dequeue failed")
			return
		}
		if !ok {
			return
		}
		n.dispatch(ctx, notification)
	}
}

func (n *Notifier) dispatch(ctx context.Context, notification Notification) {
	sink, ok := n.sinks[notification.Sink]
	if !ok {
		notification.Status = StatusFailed
		notification.LastError = fmt.Sprintf("unknown sink %q", notification.Sink)
		n.finish(ctx, notification)
		return
	}

	err := sink.Send(ctx, notification)
	if err == nil {
		now := time.Now().UTC()
		notification.Status = StatusSent
		notification.SentAt = &now
		n.finish(ctx, notification)
		if n.m != nil {
			n.m.NotificationsSent.WithLabelValues(notification.Sink, "sent").Inc()
		}
		return
	}

	notification.Attempts++
	notification.LastError = err.Error()
	if n.m != nil {
		n.m.NotificationRetries.Inc()
	}

	if notification.Attempts >= resilience.NotifierMaxAttempts {
		notification.Status = StatusFailed
		n.finish(ctx, notification)
		if n.m != nil {
			n.m.NotificationsSent.WithLabelValues(notification.Sink, "failed").Inc()
		}
		n.log.WithError(err).WithFields(map[string]interface{}{
			"notification_id": notification.ID, "sink": notification.Sink,
		}).Error("notifier: giving up after max attempts")
		return
	}

	delay := resilience.NotifierBackoff(notification.Attempts - 1)
	notification.NextRetryAt = time.Now().UTC().Add(delay)
	if retryErr := n.store.Retry(ctx, notification, notification.NextRetryAt); retryErr != nil {
		n.log.WithError(retryErr).WithFields(map[string]interface{}{
			"notification_id": notification.ID,
		}).Error("notifier: failed to reschedule retry")
	}
}

func (n *Notifier) finish(ctx context.Context, notification Notification) {
	if err := n.store.Save(ctx, notification); err != nil {
		n.log.WithError(err).WithFields(map[string]interface{}{
			"notification_id": notification.ID,
		}).Error("notifier: failed to persist final status")
	}
}

// ErrSinkUnavailable wraps transport failures from a sink implementation.
func ErrSinkUnavailable(sink string, err error) error {
	return apierrors.Wrap(apierrors.CodeConfiguration, fmt.Sprintf("sink %q unavailable", sink), err)
}
