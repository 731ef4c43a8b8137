package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name     string
	deps     []string
	started  bool
	stopped  bool
	initErr  error
	publishes map[string]any
	wants    []string // capability names this plugin expects to find
}

func (f *fakePlugin) Descriptor() Descriptor {
	return Descriptor{Name: f.name, Version: "1.0.0", Dependencies: f.deps}
}

func (f *fakePlugin) Init(ctx context.Context, config map[string]any, deps Registry, pub Publisher) error {
	if f.initErr != nil {
		return f.initErr
	}
	for _, want := range f.wants {
		if _, ok := deps.Get(want); !ok {
			return assertErr(want)
		}
	}
	for name, cap := range f.publishes {
		pub.Publish(name, cap)
	}
	return nil
}

func (f *fakePlugin) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakePlugin) Stop(ctx context.Context) error   { f.stopped = true; return nil }

type missingCapabilityError string

func (m missingCapabilityError) Error() string { return "missing capability: " + string(m) }
func assertErr(name string) error              { return missingCapabilityError(name) }

func TestHost_LoadStartStop_Order(t *testing.T) {
	a := &fakePlugin{name: "fleet", publishes: map[string]any{"fleet.registry": "fleet-cap"}}
	b := &fakePlugin{name: "containers", deps: []string{"fleet"}, wants: []string{"fleet.registry"}}
	c := &fakePlugin{name: "alerting", deps: []string{"containers"}}

	h := NewHost(nil)
	require.NoError(t, h.Register(Entry{Plugin: c}))
	require.NoError(t, h.Register(Entry{Plugin: a}))
	require.NoError(t, h.Register(Entry{Plugin: b}))

	require.NoError(t, h.Load(context.Background()))
	require.NoError(t, h.Start(context.Background()))

	assert.True(t, a.started)
	assert.True(t, b.started)
	assert.True(t, c.started)

	require.NoError(t, h.Stop(context.Background(), 5*time.Second))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
	assert.True(t, c.stopped)
}

func TestHost_CycleRejected(t *testing.T) {
	a := &fakePlugin{name: "a", deps: []string{"b"}}
	b := &fakePlugin{name: "b", deps: []string{"a"}}

	h := NewHost(nil)
	require.NoError(t, h.Register(Entry{Plugin: a}))
	require.NoError(t, h.Register(Entry{Plugin: b}))

	err := h.Load(context.Background())
	require.Error(t, err)
}

func TestHost_UnknownDependencyRejected(t *testing.T) {
	a := &fakePlugin{name: "a", deps: []string{"missing"}}
	h := NewHost(nil)
	require.NoError(t, h.Register(Entry{Plugin: a}))
	require.Error(t, h.Load(context.Background()))
}
