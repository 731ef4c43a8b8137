package system

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
)

// Host owns the dependency DAG, the capability registry, and the started
// state of every loaded plugin. One Host is created per control-plane
// process (spec.md §1: single active instance is assumed).
type Host struct {
	log *logging.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]Entry
	started []Plugin // in start order, for reverse-order Stop
	reg     *registry
}

// NewHost creates an empty Host.
func NewHost(log *logging.Logger) *Host {
	if log == nil {
		log = logging.NewFromEnv("system")
	}
	return &Host{
		log:     log,
		entries: map[string]Entry{},
		reg:     &registry{capabilities: map[string]any{}},
	}
}

// Register declares a plugin and its configuration. Must be called before Load.
func (h *Host) Register(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := e.Plugin.Descriptor()
	if d.Name == "" {
		return apierrors.PluginError("", "plugin descriptor requires a name", nil)
	}
	if _, exists := h.entries[d.Name]; exists {
		return apierrors.PluginError(d.Name, "plugin already registered", nil)
	}
	h.entries[d.Name] = e
	return nil
}

// Load computes a dependency-respecting topological order, rejects cycles,
// validates each plugin's configuration against its declared schema, and
// calls Init on every plugin in that order. Capabilities a plugin publishes
// during Init become visible to every plugin initialized after it.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	order, err := topoSort(h.entries)
	if err != nil {
		return err
	}

	for _, name := range order {
		entry := h.entries[name]
		d := entry.Plugin.Descriptor()
		if d.ConfigSchema != nil {
			if err := d.ConfigSchema(entry.Config); err != nil {
				return apierrors.PluginError(name, "invalid plugin configuration", err)
			}
		}
		pub := &publisher{capabilities: h.reg.capabilities}
		if err := entry.Plugin.Init(ctx, entry.Config, h.reg, pub); err != nil {
			return apierrors.PluginError(name, "plugin init failed", err)
		}
		h.log.WithFields(map[string]interface{}{"plugin": name, "version": d.Version}).Info("plugin initialized")
	}
	h.order = order
	return nil
}

// Start starts every loaded plugin in load order. On failure it stops the
// plugins already started, in reverse order, then returns the error.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range h.order {
		p := h.entries[name].Plugin
		if err := p.Start(ctx); err != nil {
			for i := len(h.started) - 1; i >= 0; i-- {
				_ = h.started[i].Stop(ctx)
			}
			h.started = nil
			return apierrors.PluginError(name, "plugin start failed", err)
		}
		h.started = append(h.started, p)
		h.log.WithFields(map[string]interface{}{"plugin": name}).Info("plugin started")
	}
	return nil
}

// Stop cancels every started plugin in reverse start order, giving each up
// to grace to finish before moving to the next (spec.md §5: shutdown awaits
// each task with a 30s grace, then forces).
func (h *Host) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	started := append([]Plugin(nil), h.started...)
	h.started = nil
	h.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		stopCtx, cancel := context.WithTimeout(ctx, grace)
		err := started[i].Stop(stopCtx)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry exposes the read-only capability registry, e.g. for an HTTP
// surface that wants to look up a core's public API after Load.
func (h *Host) Registry() Registry { return h.reg }

// Descriptors returns every registered plugin's descriptor, in load order.
// GET /health does not call it: that response carries only status and time.
func (h *Host) Descriptors() []Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Descriptor, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.entries[name].Plugin.Descriptor())
	}
	return out
}

// topoSort orders entries so that every plugin's dependencies precede it,
// using DFS colouring to detect and name cycles (mirrors the Compose
// Orchestrator's dependency-graph validation, spec.md §4.7).
func topoSort(entries map[string]Entry) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(entries))
	order := make([]string, 0, len(entries))
	var chain []string

	var visit func(name string) error
	visit = func(name string) error {
		entry, ok := entries[name]
		if !ok {
			return apierrors.PluginError(name, fmt.Sprintf("unknown dependency %q", name), nil)
		}
		switch color[name] {
		case black:
			return nil
		case gray:
			chain = append(chain, name)
			return apierrors.New(apierrors.CodeCycle, fmt.Sprintf("plugin dependency cycle: %v", chain))
		}
		color[name] = gray
		chain = append(chain, name)
		for _, dep := range entry.Plugin.Descriptor().Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		chain = chain[:len(chain)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	// Deterministic iteration order keeps the resulting topo order stable
	// across runs for equally-ranked plugins.
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
