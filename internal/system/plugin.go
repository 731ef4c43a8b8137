// Package system implements the Plugin Host (C10): it loads a declared set
// of named plugins in dependency order, exposes a string-keyed capability
// registry so later plugins can consume what earlier ones publish, and tears
// them down in reverse order on shutdown.
//
// Grounded on applications/system/{manager,registry,service,descriptors}.go
// from the reference corpus, generalized from an HTTP-service lifecycle
// manager into a dependency-ordered plugin loader with a capability registry,
// per design note §9 ("Plugin-service discovery via a string registry").
package system

import (
	"context"
	"fmt"
)

// ConfigSchema validates a plugin's configuration before Init is called.
// Returning a non-nil error aborts the whole Host.Load with a PluginError.
type ConfigSchema func(config map[string]any) error

// Descriptor is the metadata a plugin advertises to the host.
type Descriptor struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string
	ConfigSchema ConfigSchema
}

// Registry is the read-after-init capability lookup every plugin receives.
// It is written once during Host.Load and is safe for concurrent reads
// thereafter (spec.md §5: "the service registry in the Plugin Host is
// written once at init and read-only afterward").
type Registry interface {
	// Get returns the capability object published under name, or false if
	// no plugin has published one (yet, or ever — a plugin sees what every
	// plugin initialized before it published, which always includes its
	// declared dependencies).
	Get(name string) (any, bool)
}

type registry struct {
	capabilities map[string]any
}

func (r *registry) Get(name string) (any, bool) {
	c, ok := r.capabilities[name]
	return c, ok
}

// Publisher is handed to a plugin during Init so it can publish zero or more
// capability objects under well-known names for later plugins to consume.
type Publisher interface {
	Publish(name string, capability any)
}

type publisher struct {
	capabilities map[string]any
}

func (p *publisher) Publish(name string, capability any) {
	p.capabilities[name] = capability
}

// Plugin is a self-contained subsystem the Host manages. Init runs in
// dependency order before any plugin's Start is called, so a plugin's Init
// may assume every dependency's capabilities are already published.
type Plugin interface {
	Descriptor() Descriptor
	// Init validates config, wires dependencies looked up from deps, and
	// publishes this plugin's capabilities through pub. It must not start
	// any background work yet.
	Init(ctx context.Context, config map[string]any, deps Registry, pub Publisher) error
	// Start begins background work (monitor loops, stats tasks, tickers).
	Start(ctx context.Context) error
	// Stop cancels background work and releases resources. Must be
	// idempotent and safe to call even if Start was never reached.
	Stop(ctx context.Context) error
}

// Entry binds a Plugin to the configuration it should be initialized with.
type Entry struct {
	Plugin Plugin
	Config map[string]any
}
