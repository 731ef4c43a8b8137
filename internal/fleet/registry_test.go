package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/logging"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

type fakeStore struct {
	mu       sync.Mutex
	machines map[string]Machine
}

func newFakeStore() *fakeStore { return &fakeStore{machines: map[string]Machine{}} }

func (s *fakeStore) Create(ctx context.Context, m Machine) (Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	s.machines[m.ID] = m
	return m, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return Machine{}, errors.New("not found")
	}
	return m, nil
}

func (s *fakeStore) GetByName(ctx context.Context, name string) (Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if m.Name == name {
			return m, nil
		}
	}
	return Machine{}, errors.New("not found")
}

func (s *fakeStore) List(ctx context.Context) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Machine
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) ListByState(ctx context.Context, state State) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Machine
	for _, m := range s.machines {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByTag(ctx context.Context, tag string) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Machine
	for _, m := range s.machines {
		for _, t := range m.Tags {
			if t == tag {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, m Machine) (Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[m.ID]; !ok {
		return Machine{}, errors.New("not found")
	}
	m.UpdatedAt = time.Now().UTC()
	s.machines[m.ID] = m
	return m, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return errors.New("not found")
	}
	delete(s.machines, id)
	return nil
}

func (s *fakeStore) SetState(ctx context.Context, id string, state State, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return errors.New("not found")
	}
	m.State = state
	m.LastError = lastError
	s.machines[id] = m
	return nil
}

func (s *fakeStore) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return errors.New("not found")
	}
	m.LastSeen = &at
	s.machines[id] = m
	return nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	probeErrs map[string]error // machine host -> error to return
	evicted   []string
}

func (f *fakeExecutor) Probe(ctx context.Context, machineID string, creds executor.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErrs[creds.Host]
}

func (f *fakeExecutor) Evict(machineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, machineID)
}

func validMachine(name, host string) Machine {
	return Machine{
		Name: name, Host: host, Port: 22, User: "root",
		PasswordBlob: []byte("s3cret-password"),
	}
}

func TestCreate_SealsCredentialsAtRest(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	v := testVault(t)
	r := New(store, exec, v, logging.NewFromEnv("test"), nil)

	plaintext := "s3cret-password"
	m, err := r.Create(context.Background(), validMachine("host-seal", "10.0.0.9"))
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, string(stored.PasswordBlob))

	err = v.WithDecrypted(stored.PasswordBlob, func(d *vault.Decrypted) error {
		assert.Equal(t, plaintext, d.String())
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_ReSealsOnlyChangedCredential(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	v := testVault(t)
	r := New(store, exec, v, logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-reseal", "10.0.0.10"))
	require.NoError(t, err)
	sealedBefore, err := store.Get(context.Background(), m.ID)
	require.NoError(t, err)

	exec.probeErrs["10.0.0.10"] = nil
	_, err = r.Update(context.Background(), m.ID, func(mm *Machine) {
		mm.PrivateKeyBlob = []byte("-----BEGIN KEY-----fresh-----END KEY-----")
	})
	require.NoError(t, err)

	updated, err := store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "-----BEGIN KEY-----fresh-----END KEY-----", string(updated.PrivateKeyBlob))
	err = v.WithDecrypted(updated.PrivateKeyBlob, func(d *vault.Decrypted) error {
		assert.Equal(t, "-----BEGIN KEY-----fresh-----END KEY-----", d.String())
		return nil
	})
	require.NoError(t, err)
	// The password was untouched by the patch, so it must still be the
	// same sealed blob rather than re-encrypted.
	assert.Equal(t, string(sealedBefore.PasswordBlob), string(updated.PasswordBlob))
}

func TestCreate_ProbeSuccess_EntersActive(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-a", "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, StateActive, m.State)
	assert.NotNil(t, m.LastSeen)
}

func TestCreate_ProbeFailure_EntersError(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{"10.0.0.2": errors.New("connect refused")}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-b", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, StateError, m.State)
}

func TestCreate_InvalidMachine_Rejected(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	_, err := r.Create(context.Background(), Machine{Name: "bad name!"})
	require.Error(t, err)
}

func TestUpdate_HostChange_TriggersReprobe(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-c", "10.0.0.3"))
	require.NoError(t, err)

	exec.probeErrs["10.0.0.4"] = nil
	updated, err := r.Update(context.Background(), m.ID, func(mm *Machine) { mm.Host = "10.0.0.4" })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", updated.Host)
	assert.Contains(t, exec.evicted, m.ID)
}

func TestUpdate_UnrelatedFieldChange_NoReprobe(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-d", "10.0.0.5"))
	require.NoError(t, err)

	_, err = r.Update(context.Background(), m.ID, func(mm *Machine) { mm.MonitorInterval = 45 * time.Second })
	require.NoError(t, err)
	assert.Empty(t, exec.evicted)
}

func TestDelete_EvictsExecutorSession(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{probeErrs: map[string]error{}}
	r := New(store, exec, testVault(t), logging.NewFromEnv("test"), nil)

	m, err := r.Create(context.Background(), validMachine("host-e", "10.0.0.6"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(context.Background(), m.ID))
	assert.Contains(t, exec.evicted, m.ID)

	_, err = store.Get(context.Background(), m.ID)
	assert.Error(t, err)
}

func TestMachine_CanTransition(t *testing.T) {
	m := Machine{State: StateActive}
	assert.True(t, m.CanTransition(StateInactive))
	assert.True(t, m.CanTransition(StateError))
	assert.False(t, m.CanTransition(StateInitializing))
	assert.True(t, m.CanTransition(StateMaintenance))
}
