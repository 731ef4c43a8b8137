// Package compose implements the Compose Orchestrator (C7): validates a
// multi-service configuration, deploys services in dependency order onto
// a deployment-scoped network, and tears them down in reverse order.
//
// Grounded on original_source/backend/app/plugins/docker/service.py's
// validate_compose_config (duplicate-name and check_circular_deps),
// deploy_compose (repeated-scan dependency deploy, onto a per-deployment
// compose_<id> network), and remove_compose_deployment (reverse-order
// best-effort teardown).
package compose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/control-plane/internal/container"
	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
)

// Service is one named service in a ComposeConfig.
type Service struct {
	Name       string
	Config     container.Config
	DependsOn  []string
}

// Config is a full multi-service deployment targeting one machine.
type Config struct {
	Name     string
	Services []Service
}

// Status is a deployment's overall lifecycle state.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFailed   Status = "FAILED"
	StatusRemoving Status = "REMOVING"
)

// Deployment is a persisted compose deployment record.
type Deployment struct {
	ID          string
	MachineID   string
	Name        string
	NetworkName string
	Config      Config
	Status      Status
	// ServiceContainers maps service name to the created container id, in
	// creation order (ServiceOrder), so teardown can run in reverse.
	ServiceContainers map[string]string
	ServiceOrder      []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Network is the subset of the Container Engine's capability the
// orchestrator needs for network lifecycle, kept separate from the
// per-container Engine interface below so a fake can implement only what
// a test exercises.
type Network interface {
	EnsureNetwork(ctx context.Context, machineID string, creds executor.Credentials, name string) error
	RemoveNetwork(ctx context.Context, machineID string, creds executor.Credentials, name string) error
}

// Engine is the subset of the Container Engine the orchestrator composes.
type Engine interface {
	Create(ctx context.Context, machineID string, creds executor.Credentials, cfg container.Config) (container.Container, error)
	Remove(ctx context.Context, machineID string, creds executor.Credentials, id string, force bool) error
}

// Store persists deployment records.
type Store interface {
	Save(ctx context.Context, d Deployment) error
	Get(ctx context.Context, id string) (Deployment, error)
	Delete(ctx context.Context, id string) error
}

// Orchestrator implements the Compose Orchestrator.
type Orchestrator struct {
	engine  Engine
	network Network
	store   Store
	log     *logging.Logger
}

// New creates an Orchestrator.
func New(engine Engine, network Network, store Store, log *logging.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, network: network, store: store, log: log}
}

// Validate checks service names are unique, every depends_on entry exists,
// and the dependency graph is acyclic (spec.md §4.7 step 1).
func Validate(cfg Config) error {
	seen := map[string]bool{}
	byName := map[string]Service{}
	for _, svc := range cfg.Services {
		if seen[svc.Name] {
			return apierrors.ValidationError("services", fmt.Sprintf("duplicate service name %q", svc.Name))
		}
		seen[svc.Name] = true
		byName[svc.Name] = svc
	}
	for name, svc := range byName {
		for _, dep := range svc.DependsOn {
			if _, ok := byName[dep]; !ok {
				return apierrors.ValidationError("depends_on", fmt.Sprintf("service %q depends on unknown service %q", name, dep))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var chain []string
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			chain = append(chain, name)
			return apierrors.New(apierrors.CodeCycle, fmt.Sprintf("circular dependency: %v", chain))
		}
		color[name] = gray
		chain = append(chain, name)
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		chain = chain[:len(chain)-1]
		color[name] = black
		return nil
	}
	for name := range byName {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deploy validates cfg, ensures the deployment network, and deploys services
// one stratum at a time, tearing down best-effort on any failure
// (spec.md §4.7 steps 2-4).
func (o *Orchestrator) Deploy(ctx context.Context, machineID string, creds executor.Credentials, cfg Config) (Deployment, error) {
	if err := Validate(cfg); err != nil {
		return Deployment{}, err
	}

	d := Deployment{
		ID: uuid.NewString(), MachineID: machineID, Name: cfg.Name, Config: cfg,
		ServiceContainers: map[string]string{},
		CreatedAt:         time.Now().UTC(),
	}
	d.NetworkName = "compose_" + d.ID
	d.UpdatedAt = d.CreatedAt

	if err := o.network.EnsureNetwork(ctx, machineID, creds, d.NetworkName); err != nil {
		return Deployment{}, apierrors.Wrap(apierrors.CodeDockerDaemonDown, "failed to ensure compose network", err)
	}

	byName := map[string]Service{}
	for _, svc := range cfg.Services {
		byName[svc.Name] = svc
	}

	deployed := map[string]bool{}
	for len(deployed) < len(cfg.Services) {
		progressed := false
		for _, svc := range cfg.Services {
			if deployed[svc.Name] {
				continue
			}
			if !dependenciesMet(svc, deployed) {
				continue
			}
			svcCfg := svc.Config
			svcCfg.Network = d.NetworkName
			c, err := o.engine.Create(ctx, machineID, creds, svcCfg)
			if err != nil {
				o.teardown(ctx, machineID, creds, &d, true)
				return Deployment{}, apierrors.Wrap(apierrors.CodeDockerDaemonDown, fmt.Sprintf("failed creating service %q", svc.Name), err)
			}
			d.ServiceContainers[svc.Name] = c.ID
			d.ServiceOrder = append(d.ServiceOrder, svc.Name)
			deployed[svc.Name] = true
			progressed = true
		}
		if !progressed {
			// Validate already rejects cycles, so this only happens if a
			// dependency never reaches RUNNING — treat as a stuck deploy.
			o.teardown(ctx, machineID, creds, &d, true)
			return Deployment{}, apierrors.New(apierrors.CodeConflict, "compose deploy made no progress; a dependency never started")
		}
	}

	d.Status = StatusRunning
	if err := o.store.Save(ctx, d); err != nil {
		return Deployment{}, apierrors.Wrap(apierrors.CodeConflict, "failed to persist deployment", err)
	}
	return d, nil
}

func dependenciesMet(svc Service, deployed map[string]bool) bool {
	for _, dep := range svc.DependsOn {
		if !deployed[dep] {
			return false
		}
	}
	return true
}

// Remove tears down a deployment: stop+remove containers in reverse
// creation order, remove the network, delete the record (spec.md §4.7
// step 5). Under force, individual failures are logged and teardown
// continues.
func (o *Orchestrator) Remove(ctx context.Context, machineID string, creds executor.Credentials, deploymentID string, force bool) error {
	d, err := o.store.Get(ctx, deploymentID)
	if err != nil {
		return apierrors.New(apierrors.CodeNotFound, "deployment not found").WithDetail("id", deploymentID)
	}
	if err := o.teardown(ctx, machineID, creds, &d, force); err != nil {
		return err
	}
	return o.store.Delete(ctx, deploymentID)
}

func (o *Orchestrator) teardown(ctx context.Context, machineID string, creds executor.Credentials, d *Deployment, force bool) error {
	for i := len(d.ServiceOrder) - 1; i >= 0; i-- {
		name := d.ServiceOrder[i]
		id := d.ServiceContainers[name]
		if err := o.engine.Remove(ctx, machineID, creds, id, true); err != nil {
			o.log.WithError(err).WithFields(map[string]interface{}{"deployment_id": d.ID, "service": name}).Error("compose teardown: failed removing container")
			if !force {
				return apierrors.Wrap(apierrors.CodeDockerDaemonDown, "failed removing container during teardown", err).WithDetail("service", name)
			}
		}
	}
	if err := o.network.RemoveNetwork(ctx, machineID, creds, d.NetworkName); err != nil {
		o.log.WithError(err).WithFields(map[string]interface{}{"deployment_id": d.ID}).Error("compose teardown: failed removing network")
		if !force {
			return apierrors.Wrap(apierrors.CodeDockerDaemonDown, "failed removing compose network", err)
		}
	}
	return nil
}

// Update is blue/green: create a new deployment, then tear down the old one
// (spec.md §4.7 step 6: "no in-place mutation").
func (o *Orchestrator) Update(ctx context.Context, machineID string, creds executor.Credentials, oldDeploymentID string, cfg Config) (Deployment, error) {
	newDeployment, err := o.Deploy(ctx, machineID, creds, cfg)
	if err != nil {
		return Deployment{}, err
	}
	if err := o.Remove(ctx, machineID, creds, oldDeploymentID, true); err != nil {
		o.log.WithError(err).WithFields(map[string]interface{}{"deployment_id": oldDeploymentID}).Error("compose update: failed tearing down old deployment")
	}
	return newDeployment, nil
}
