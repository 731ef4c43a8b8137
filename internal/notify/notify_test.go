package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/alert"
	"github.com/fleetops/control-plane/pkg/logging"
)

type fakeStore struct {
	mu      sync.Mutex
	byID    map[string]Notification
	ready   []string
	retries map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]Notification{}, retries: map[string]time.Time{}}
}

func (f *fakeStore) Save(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[n.ID] = n
	if n.Status == StatusPending {
		f.ready = append(f.ready, n.ID)
	}
	return nil
}

func (f *fakeStore) Dequeue(ctx context.Context) (Notification, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for id, at := range f.retries {
		if !now.Before(at) {
			f.ready = append(f.ready, id)
			delete(f.retries, id)
		}
	}
	if len(f.ready) == 0 {
		return Notification{}, false, nil
	}
	id := f.ready[0]
	f.ready = f.ready[1:]
	return f.byID[id], true, nil
}

func (f *fakeStore) Retry(ctx context.Context, n Notification, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[n.ID] = n
	f.retries[n.ID] = at
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	calls   int
	failN   int
	sendErr error
}

func (s *fakeSink) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("transient failure")
	}
	return s.sendErr
}

func testAlert() alert.Alert {
	return alert.Alert{ID: "a1", Name: "cpu-high", Severity: alert.SeverityWarning, Value: 95, Threshold: 90}
}

func TestDispatch_SuccessMarksSent(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	n := New(store, map[string]Sink{"webhook": sink}, logging.NewFromEnv("test"), nil)

	require.NoError(t, n.Enqueue(context.Background(), "webhook", testAlert()))
	n.drainOnce(context.Background())

	require.Equal(t, 1, sink.calls)
	for _, rec := range store.byID {
		assert.Equal(t, StatusSent, rec.Status)
		assert.NotNil(t, rec.SentAt)
	}
}

func TestDispatch_UnknownSinkMarksFailed(t *testing.T) {
	store := newFakeStore()
	n := New(store, map[string]Sink{}, logging.NewFromEnv("test"), nil)

	require.NoError(t, n.Enqueue(context.Background(), "ghost", testAlert()))
	n.drainOnce(context.Background())

	for _, rec := range store.byID {
		assert.Equal(t, StatusFailed, rec.Status)
	}
}

func TestDispatch_FailureReschedulesRetry(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{failN: 1}
	n := New(store, map[string]Sink{"webhook": sink}, logging.NewFromEnv("test"), nil)

	require.NoError(t, n.Enqueue(context.Background(), "webhook", testAlert()))
	n.drainOnce(context.Background())

	require.Len(t, store.retries, 1)
	for _, rec := range store.byID {
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, StatusPending, rec.Status) // still pending; status unchanged on retry path
	}
}

func TestDispatch_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{failN: 1000}
	n := New(store, map[string]Sink{"webhook": sink}, logging.NewFromEnv("test"), nil)

	id := "n1"
	rec := Notification{ID: id, Sink: "webhook", Alert: testAlert(), Status: StatusPending, Attempts: 9}
	store.byID[id] = rec
	store.ready = append(store.ready, id)

	n.drainOnce(context.Background())

	assert.Equal(t, StatusFailed, store.byID[id].Status)
}
