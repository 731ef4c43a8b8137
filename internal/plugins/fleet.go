// Package plugins wires the control plane's subsystems into the three
// named plugins the Plugin Host (C10) loads: fleet (C3+C4), containers
// (C6+C7), alerting (C8+C9) — per spec.md §4.10 and SPEC_FULL.md §4.10.
package plugins

import (
	"context"
	"time"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/fleet"
	fleetpg "github.com/fleetops/control-plane/internal/fleet/postgres"
	"github.com/fleetops/control-plane/internal/monitor"
	"github.com/fleetops/control-plane/internal/system"
	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// Capability names published by the fleet plugin for later plugins
// (containers, alerting) to consume through the registry.
const (
	CapFleetStore    = "fleet.store"
	CapFleetRegistry = "fleet.registry"
	CapFleetExecutor = "fleet.executor"
	CapTimeSeries    = "timeseries.store"
)

// FleetPlugin wraps the Fleet Registry and Monitor Loop (C3+C4).
type FleetPlugin struct {
	log *logging.Logger
	m   *metrics.Metrics

	databaseURL            string
	redisAddr              string
	redisPassword          string
	redisDB                int
	executorIdleTTL        time.Duration
	monitorDefaultInterval time.Duration
	monitorMinInterval     time.Duration
	hostKeyPolicy          executor.HostKeyPolicy
	vault                  *vault.Vault

	store    *fleetpg.Store
	ts       *timeseries.Store
	exec     *executor.Executor
	registry *fleet.Registry
	loop     *monitor.Loop
}

// FleetPluginConfig collects the constructor parameters for FleetPlugin.
type FleetPluginConfig struct {
	Log                    *logging.Logger
	Metrics                *metrics.Metrics
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ExecutorIdleTTL        time.Duration
	MonitorDefaultInterval time.Duration
	MonitorMinInterval     time.Duration
	HostKeyPolicy          executor.HostKeyPolicy
	Vault                  *vault.Vault
}

// NewFleetPlugin creates the fleet plugin from its startup configuration.
func NewFleetPlugin(cfg FleetPluginConfig) *FleetPlugin {
	return &FleetPlugin{
		log: cfg.Log, m: cfg.Metrics,
		databaseURL: cfg.DatabaseURL, redisAddr: cfg.RedisAddr, redisPassword: cfg.RedisPassword, redisDB: cfg.RedisDB,
		executorIdleTTL: cfg.ExecutorIdleTTL, monitorDefaultInterval: cfg.MonitorDefaultInterval, monitorMinInterval: cfg.MonitorMinInterval,
		hostKeyPolicy: cfg.HostKeyPolicy, vault: cfg.Vault,
	}
}

func (p *FleetPlugin) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name: "fleet", Version: "1.0.0",
		Description: "Fleet Registry and Monitor Loop (C3+C4)",
	}
}

func (p *FleetPlugin) Init(ctx context.Context, config map[string]any, deps system.Registry, pub system.Publisher) error {
	if err := fleetpg.Migrate(p.databaseURL); err != nil {
		return err
	}
	store, err := fleetpg.Open(p.databaseURL)
	if err != nil {
		return err
	}
	p.store = store
	p.ts = timeseries.Open(p.redisAddr, p.redisPassword, p.redisDB)
	p.exec = executor.New(p.log, p.vault, p.hostKeyPolicy, p.executorIdleTTL)
	p.registry = fleet.New(p.store, p.exec, p.vault, p.log, p.m)
	p.loop = monitor.New(p.exec, p.store, p.ts, p.log, p.m, p.monitorDefaultInterval, p.monitorMinInterval)

	pub.Publish(CapFleetStore, p.store)
	pub.Publish(CapFleetRegistry, p.registry)
	pub.Publish(CapFleetExecutor, p.exec)
	pub.Publish(CapTimeSeries, p.ts)
	return nil
}

func (p *FleetPlugin) Start(ctx context.Context) error {
	machines, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	for _, m := range machines {
		if m.State != fleet.StateMaintenance {
			p.loop.Watch(ctx, m)
		}
	}
	return nil
}

func (p *FleetPlugin) Stop(ctx context.Context) error {
	if p.ts != nil {
		_ = p.ts.Close()
	}
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}

// Registry exposes the underlying fleet.Registry for the HTTP surface.
func (p *FleetPlugin) Registry() *fleet.Registry { return p.registry }

// Loop exposes the underlying monitor.Loop for the HTTP surface (e.g. to
// watch newly created machines and apply interval updates).
func (p *FleetPlugin) Loop() *monitor.Loop { return p.loop }

// Executor exposes the shared Remote Executor for use by other plugins
// (e.g. containers) that need to run commands on fleet machines.
func (p *FleetPlugin) Executor() *executor.Executor { return p.exec }

// TimeSeries exposes the shared Time-Series Store.
func (p *FleetPlugin) TimeSeries() *timeseries.Store { return p.ts }
