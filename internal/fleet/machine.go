// Package fleet implements the Fleet Registry (C3): CRUD over Machine
// entities plus a synchronous probe that advances each machine's state
// machine.
//
// Grounded on the teacher's service-local store pattern (e.g.
// packages/com.r3e.services.secrets/store_postgres.go) generalized from
// database/sql row scanning to sqlx's StructScan, and on
// original_source/backend/app/core/ssh_manager.py's deploy_key for the
// create/update-triggers-probe semantics (spec.md §4.3).
package fleet

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// State is a Machine's position in the monitor state machine (spec.md §4.4).
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateActive        State = "ACTIVE"
	StateInactive       State = "INACTIVE"
	StateError          State = "ERROR"
	StateMaintenance     State = "MAINTENANCE"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// Machine is a registered fleet host.
type Machine struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Host      string    `db:"host"`
	Port      int       `db:"port"`
	User      string    `db:"ssh_user"`
	// At least one of PrivateKeyBlob/PasswordBlob is populated, both vault-sealed;
	// when both are set the executor authenticates with the private key.
	PrivateKeyBlob []byte `db:"private_key_blob"`
	PasswordBlob   []byte `db:"password_blob"`

	State           State     `db:"state"`
	MonitorInterval time.Duration `db:"monitor_interval"`
	LastSeen        *time.Time `db:"last_seen"`
	LastError       string    `db:"last_error"`

	Tags []string `db:"-"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Validate checks the machine's static fields, independent of state.
func (m Machine) Validate() error {
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("name %q must match %s", m.Name, nameRe.String())
	}
	if m.Host == "" {
		return fmt.Errorf("host is required")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("port %d out of range", m.Port)
	}
	if m.User == "" {
		return fmt.Errorf("ssh_user is required")
	}
	if len(m.PrivateKeyBlob) == 0 && len(m.PasswordBlob) == 0 {
		return fmt.Errorf("at least one of private_key or password is required")
	}
	if m.MonitorInterval < 0 {
		return fmt.Errorf("monitor_interval must not be negative")
	}
	return nil
}

// CanTransition reports whether to is a legal next state from m.State,
// per the diagram in spec.md §4.4.
func (m Machine) CanTransition(to State) bool {
	if to == StateMaintenance {
		return true // admin override, reachable from any state
	}
	switch m.State {
	case StateInitializing:
		return to == StateActive || to == StateError
	case StateActive:
		return to == StateInactive || to == StateError
	case StateInactive, StateError, StateMaintenance:
		return to == StateActive
	default:
		return false
	}
}

// Store is the persistence contract the Registry depends on.
type Store interface {
	Create(ctx context.Context, m Machine) (Machine, error)
	Get(ctx context.Context, id string) (Machine, error)
	GetByName(ctx context.Context, name string) (Machine, error)
	List(ctx context.Context) ([]Machine, error)
	ListByState(ctx context.Context, state State) ([]Machine, error)
	ListByTag(ctx context.Context, tag string) ([]Machine, error)
	Update(ctx context.Context, m Machine) (Machine, error)
	Delete(ctx context.Context, id string) error
	SetState(ctx context.Context, id string, state State, lastError string) error
	SetLastSeen(ctx context.Context, id string, at time.Time) error
}
