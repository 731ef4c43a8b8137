package plugins

import (
	"context"
	"time"

	"github.com/fleetops/control-plane/internal/compose"
	composepg "github.com/fleetops/control-plane/internal/compose/postgres"
	"github.com/fleetops/control-plane/internal/container"
	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/system"
	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Capability names published by the containers plugin.
const (
	CapContainerEngine = "container.engine"
	CapComposeOrch     = "compose.orchestrator"
)

// ContainersPlugin wraps the Container Engine and Compose Orchestrator (C6+C7).
type ContainersPlugin struct {
	log *logging.Logger
	m   *metrics.Metrics

	databaseURL   string
	statsInterval time.Duration

	db     *sqlx.DB
	engine *container.Engine
	tasks  *container.StatsTasks
	orch   *compose.Orchestrator
}

// ContainersPluginConfig collects the constructor parameters for ContainersPlugin.
type ContainersPluginConfig struct {
	Log           *logging.Logger
	Metrics       *metrics.Metrics
	DatabaseURL   string
	StatsInterval time.Duration
}

// NewContainersPlugin creates the containers plugin from its startup configuration.
func NewContainersPlugin(cfg ContainersPluginConfig) *ContainersPlugin {
	return &ContainersPlugin{log: cfg.Log, m: cfg.Metrics, databaseURL: cfg.DatabaseURL, statsInterval: cfg.StatsInterval}
}

func (p *ContainersPlugin) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name: "containers", Version: "1.0.0",
		Description:  "Container Engine and Compose Orchestrator (C6+C7)",
		Dependencies: []string{"fleet"},
	}
}

func (p *ContainersPlugin) Init(ctx context.Context, config map[string]any, deps system.Registry, pub system.Publisher) error {
	execCap, ok := deps.Get(CapFleetExecutor)
	if !ok {
		return missingDependency("containers", CapFleetExecutor)
	}
	exec := execCap.(*executor.Executor)

	tsCap, ok := deps.Get(CapTimeSeries)
	if !ok {
		return missingDependency("containers", CapTimeSeries)
	}
	ts := tsCap.(*timeseries.Store)

	db, err := sqlx.Connect("postgres", p.databaseURL)
	if err != nil {
		return err
	}
	p.db = db

	p.engine = container.New(exec)
	p.tasks = container.NewStatsTasks(p.engine, ts, p.log, p.m, p.statsInterval)
	p.orch = compose.New(p.engine, p.engine, composepg.NewStore(db), p.log)

	pub.Publish(CapContainerEngine, p.engine)
	pub.Publish(CapComposeOrch, p.orch)
	return nil
}

func (p *ContainersPlugin) Start(ctx context.Context) error { return nil }

func (p *ContainersPlugin) Stop(ctx context.Context) error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Engine exposes the Container Engine for the HTTP surface.
func (p *ContainersPlugin) Engine() *container.Engine { return p.engine }

// Orchestrator exposes the Compose Orchestrator for the HTTP surface.
func (p *ContainersPlugin) Orchestrator() *compose.Orchestrator { return p.orch }

// StatsTasks exposes the per-container stats task manager, e.g. so the HTTP
// surface can start/cancel a task when a container is created/removed.
func (p *ContainersPlugin) StatsTasks() *container.StatsTasks { return p.tasks }
