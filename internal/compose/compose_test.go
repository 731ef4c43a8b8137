package compose

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/container"
	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/pkg/logging"
)

type fakeNetwork struct {
	mu       sync.Mutex
	ensured  []string
	removed  []string
	failEnsure bool
	failRemove bool
}

func (f *fakeNetwork) EnsureNetwork(ctx context.Context, machineID string, creds executor.Credentials, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnsure {
		return assert.AnError
	}
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeNetwork) RemoveNetwork(ctx context.Context, machineID string, creds executor.Credentials, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return assert.AnError
	}
	f.removed = append(f.removed, name)
	return nil
}

type fakeEngine struct {
	mu         sync.Mutex
	created    []string
	removed    []string
	failCreate map[string]bool
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{failCreate: map[string]bool{}}
}

func (f *fakeEngine) Create(ctx context.Context, machineID string, creds executor.Credentials, cfg container.Config) (container.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[cfg.Name] {
		return container.Container{}, assert.AnError
	}
	f.nextID++
	id := cfg.Name + "-id"
	f.created = append(f.created, cfg.Name)
	return container.Container{ID: id, State: container.StateRunning}, nil
}

func (f *fakeEngine) Remove(ctx context.Context, machineID string, creds executor.Credentials, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string]Deployment
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]Deployment{}}
}

func (f *fakeStore) Save(ctx context.Context, d Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[d.ID] = d
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[id]
	if !ok {
		return Deployment{}, assert.AnError
	}
	return d, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}

func twoTierConfig() Config {
	return Config{
		Name: "stack",
		Services: []Service{
			{Name: "db", Config: container.Config{Name: "db", Image: "postgres"}},
			{Name: "web", Config: container.Config{Name: "web", Image: "app"}, DependsOn: []string{"db"}},
		},
	}
}

func TestValidate_RejectsDuplicateNames(t *testing.T) {
	cfg := Config{Services: []Service{{Name: "a"}, {Name: "a"}}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	cfg := Config{Services: []Service{{Name: "a", DependsOn: []string{"ghost"}}}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsCycle(t *testing.T) {
	cfg := Config{Services: []Service{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_AcceptsValidGraph(t *testing.T) {
	require.NoError(t, Validate(twoTierConfig()))
}

func TestDeploy_DeploysInDependencyOrder(t *testing.T) {
	engine := newFakeEngine()
	network := &fakeNetwork{}
	store := newFakeStore()
	o := New(engine, network, store, logging.NewFromEnv("test"))

	d, err := o.Deploy(context.Background(), "m1", executor.Credentials{}, twoTierConfig())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, d.Status)
	assert.Equal(t, []string{"db", "web"}, d.ServiceOrder)
	assert.Equal(t, "db-id", d.ServiceContainers["db"])
	assert.Equal(t, "web-id", d.ServiceContainers["web"])
	assert.Len(t, network.ensured, 1)

	saved, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, saved.ID)
}

func TestDeploy_CreateFailureTriggersReverseTeardown(t *testing.T) {
	engine := newFakeEngine()
	engine.failCreate["web"] = true
	network := &fakeNetwork{}
	store := newFakeStore()
	o := New(engine, network, store, logging.NewFromEnv("test"))

	_, err := o.Deploy(context.Background(), "m1", executor.Credentials{}, twoTierConfig())
	require.Error(t, err)
	assert.Equal(t, []string{"db-id"}, engine.removed)
	assert.Len(t, network.removed, 1)
	assert.Empty(t, store.data)
}

func TestRemove_TearsDownInReverseOrder(t *testing.T) {
	engine := newFakeEngine()
	network := &fakeNetwork{}
	store := newFakeStore()
	o := New(engine, network, store, logging.NewFromEnv("test"))

	d, err := o.Deploy(context.Background(), "m1", executor.Credentials{}, twoTierConfig())
	require.NoError(t, err)

	err = o.Remove(context.Background(), "m1", executor.Credentials{}, d.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"web-id", "db-id"}, engine.removed)
	_, getErr := store.Get(context.Background(), d.ID)
	require.Error(t, getErr)
}

func TestUpdate_DeploysNewThenRemovesOld(t *testing.T) {
	engine := newFakeEngine()
	network := &fakeNetwork{}
	store := newFakeStore()
	o := New(engine, network, store, logging.NewFromEnv("test"))

	old, err := o.Deploy(context.Background(), "m1", executor.Credentials{}, twoTierConfig())
	require.NoError(t, err)

	updated, err := o.Update(context.Background(), "m1", executor.Credentials{}, old.ID, twoTierConfig())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, updated.ID)

	_, getErr := store.Get(context.Background(), old.ID)
	require.Error(t, getErr)
	_, getErr2 := store.Get(context.Background(), updated.ID)
	require.NoError(t, getErr2)
}
