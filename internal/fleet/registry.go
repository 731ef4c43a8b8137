package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// Executor is the subset of the Remote Executor (C1) the Registry needs to
// perform its synchronous probe. Declared here so tests can substitute a
// fake session instead of dialing a real SSH server.
type Executor interface {
	Probe(ctx context.Context, machineID string, creds executor.Credentials) error
	Evict(machineID string)
}

// Registry is the Fleet Registry capability (C3): CRUD over Machine plus a
// synchronous probe that advances the state machine.
type Registry struct {
	store Store
	exec  Executor
	vault *vault.Vault
	log   *logging.Logger
	m     *metrics.Metrics
}

// New creates a Registry. Credentials are sealed through v before they ever
// reach store, matching the decrypt contract internal/executor relies on
// (vault.WithDecrypted expects Seal-produced ciphertext, never plaintext).
func New(store Store, exec Executor, v *vault.Vault, log *logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{store: store, exec: exec, vault: v, log: log, m: m}
}

// sealCredentials encrypts any credential field in updated that carries new
// plaintext (i.e. differs from the already-sealed value on existing),
// leaving fields the caller didn't touch as they were.
func (r *Registry) sealCredentials(updated *Machine, existing Machine) error {
	if len(updated.PrivateKeyBlob) > 0 && string(updated.PrivateKeyBlob) != string(existing.PrivateKeyBlob) {
		sealed, err := r.vault.Seal(updated.PrivateKeyBlob)
		if err != nil {
			return apierrors.Wrap(apierrors.CodeConfiguration, "failed to seal private key", err)
		}
		updated.PrivateKeyBlob = sealed
	}
	if len(updated.PasswordBlob) > 0 && string(updated.PasswordBlob) != string(existing.PasswordBlob) {
		sealed, err := r.vault.Seal(updated.PasswordBlob)
		if err != nil {
			return apierrors.Wrap(apierrors.CodeConfiguration, "failed to seal password", err)
		}
		updated.PasswordBlob = sealed
	}
	return nil
}

// CredentialsFor builds the Remote Executor credentials for a machine,
// exported so collaborators outside the registry (e.g. the Container
// Engine, the HTTP surface) can dial the same machine without duplicating
// the field mapping.
func CredentialsFor(m Machine) executor.Credentials {
	return executor.Credentials{
		Host:           m.Host,
		Port:           m.Port,
		User:           m.User,
		PrivateKeyBlob: m.PrivateKeyBlob,
		PasswordBlob:   m.PasswordBlob,
	}
}

func (r *Registry) credentials(m Machine) executor.Credentials {
	return CredentialsFor(m)
}

// Create validates and persists a new machine in INITIALIZING, then performs
// a synchronous probe to place it in ACTIVE or ERROR before returning
// (spec.md §4.3: "on create ... a probe is performed").
func (r *Registry) Create(ctx context.Context, m Machine) (Machine, error) {
	if err := m.Validate(); err != nil {
		return Machine{}, apierrors.ValidationError("machine", err.Error())
	}
	m.ID = uuid.NewString()
	m.State = StateInitializing
	if err := r.sealCredentials(&m, Machine{}); err != nil {
		return Machine{}, err
	}
	created, err := r.store.Create(ctx, m)
	if err != nil {
		return Machine{}, apierrors.Wrap(apierrors.CodeConflict, "failed to create machine", err)
	}
	r.probeAndAdvance(ctx, created)
	return r.store.Get(ctx, created.ID)
}

// Get returns a machine by id.
func (r *Registry) Get(ctx context.Context, id string) (Machine, error) {
	m, err := r.store.Get(ctx, id)
	if err != nil {
		return Machine{}, apierrors.New(apierrors.CodeNotFound, "machine not found").WithDetail("id", id)
	}
	return m, nil
}

// List returns every registered machine.
func (r *Registry) List(ctx context.Context) ([]Machine, error) {
	return r.store.List(ctx)
}

// ListByState returns machines currently in the given state, used by the
// command fan-out endpoint's default target set (design note §9(b)).
func (r *Registry) ListByState(ctx context.Context, state State) ([]Machine, error) {
	return r.store.ListByState(ctx, state)
}

// ListByTag returns machines carrying the given tag, a supplement beyond
// the distilled spec's CRUD surface to let operators target subsets of the
// fleet (spec.md §4.3 supplement).
func (r *Registry) ListByTag(ctx context.Context, tag string) ([]Machine, error) {
	return r.store.ListByTag(ctx, tag)
}

// Update persists field changes. If the ssh key or IP address changed, a
// fresh probe is performed (spec.md §4.3: "on ... ssh-key / ip change, a
// probe is performed").
func (r *Registry) Update(ctx context.Context, id string, patch func(*Machine)) (Machine, error) {
	existing, err := r.store.Get(ctx, id)
	if err != nil {
		return Machine{}, apierrors.New(apierrors.CodeNotFound, "machine not found").WithDetail("id", id)
	}
	updated := existing
	patch(&updated)
	if err := updated.Validate(); err != nil {
		return Machine{}, apierrors.ValidationError("machine", err.Error())
	}

	credentialsChanged := string(updated.PrivateKeyBlob) != string(existing.PrivateKeyBlob) ||
		string(updated.PasswordBlob) != string(existing.PasswordBlob)
	connectionChanged := updated.Host != existing.Host || credentialsChanged

	if err := r.sealCredentials(&updated, existing); err != nil {
		return Machine{}, err
	}

	saved, err := r.store.Update(ctx, updated)
	if err != nil {
		return Machine{}, apierrors.Wrap(apierrors.CodeConflict, "failed to update machine", err)
	}
	if connectionChanged {
		r.exec.Evict(saved.ID)
		r.probeAndAdvance(ctx, saved)
		return r.store.Get(ctx, saved.ID)
	}
	return saved, nil
}

// SetMaintenance puts a machine into MAINTENANCE, where the Monitor Loop
// stops probing it (spec.md §4.4: "admin_maintenance ... no probes"),
// supplementing the distilled CRUD surface with the admin override the
// state diagram already implies.
func (r *Registry) SetMaintenance(ctx context.Context, id string) error {
	return r.store.SetState(ctx, id, StateMaintenance, "")
}

// Delete tears down the executor session and removes the machine
// (spec.md §4.3: "Delete tears down executor session and removes the
// monitoring entry" — the monitor entry is removed by the caller: the HTTP
// delete handler calls the Monitor Loop's Unwatch before calling Delete).
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.exec.Evict(id)
	if err := r.store.Delete(ctx, id); err != nil {
		return apierrors.Wrap(apierrors.CodeNotFound, "failed to delete machine", err)
	}
	return nil
}

// Probe synchronously opens an executor session and advances the state
// machine on success or failure, returning the resulting state.
func (r *Registry) Probe(ctx context.Context, id string) (State, error) {
	m, err := r.store.Get(ctx, id)
	if err != nil {
		return "", apierrors.New(apierrors.CodeNotFound, "machine not found").WithDetail("id", id)
	}
	return r.probeAndAdvance(ctx, m), nil
}

func (r *Registry) probeAndAdvance(ctx context.Context, m Machine) State {
	start := time.Now()
	probeErr := r.exec.Probe(ctx, m.ID, r.credentials(m))
	if r.m != nil {
		r.m.ProbeDuration.WithLabelValues(m.ID).Observe(time.Since(start).Seconds())
	}

	next := StateActive
	lastErr := ""
	if probeErr != nil {
		next = StateError
		lastErr = probeErr.Error()
	}
	if err := r.store.SetState(ctx, m.ID, next, lastErr); err != nil {
		r.log.WithError(err).WithFields(map[string]interface{}{"machine_id": m.ID}).Error("failed to persist probe result")
	}
	if next == StateActive {
		_ = r.store.SetLastSeen(ctx, m.ID, time.Now().UTC())
	}
	if r.m != nil && m.State != next {
		r.m.MachineStateChange.WithLabelValues(m.ID, string(m.State), string(next)).Inc()
	}
	r.log.WithFields(map[string]interface{}{
		"machine_id": m.ID, "from": m.State, "to": next,
	}).Info("machine probed")
	return next
}
