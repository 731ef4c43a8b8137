// Package postgres implements fleet.Store over PostgreSQL via sqlx.
//
// Grounded on the teacher's service-local store idiom (e.g.
// packages/com.r3e.services.secrets/store_postgres.go), generalized from
// raw database/sql row scanning to sqlx's StructScan/Select, which the
// teacher's go.mod already depends on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fleetops/control-plane/internal/fleet"
)

// Store implements fleet.Store over *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

// Open connects to databaseURL and returns a ready Store.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("fleet/postgres: connecting: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open *sqlx.DB, e.g. one shared with the Compose
// Orchestrator's deployment store.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

const machineColumns = `id, name, host, port, ssh_user, private_key_blob, password_blob,
	state, monitor_interval, last_seen, last_error, created_at, updated_at`

func (s *Store) Create(ctx context.Context, m fleet.Machine) (fleet.Machine, error) {
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, name, host, port, ssh_user, private_key_blob, password_blob,
			state, monitor_interval, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.Name, m.Host, m.Port, m.User, m.PrivateKeyBlob, m.PasswordBlob,
		m.State, m.MonitorInterval, m.LastError, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fleet.Machine{}, err
	}
	if err := s.replaceTags(ctx, m.ID, m.Tags); err != nil {
		return fleet.Machine{}, err
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (fleet.Machine, error) {
	var m fleet.Machine
	err := s.db.GetContext(ctx, &m, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fleet.Machine{}, fmt.Errorf("machine %s not found", id)
		}
		return fleet.Machine{}, err
	}
	m.Tags, err = s.tagsFor(ctx, id)
	return m, err
}

func (s *Store) GetByName(ctx context.Context, name string) (fleet.Machine, error) {
	var m fleet.Machine
	err := s.db.GetContext(ctx, &m, `SELECT `+machineColumns+` FROM machines WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fleet.Machine{}, fmt.Errorf("machine %q not found", name)
		}
		return fleet.Machine{}, err
	}
	m.Tags, err = s.tagsFor(ctx, m.ID)
	return m, err
}

func (s *Store) List(ctx context.Context) ([]fleet.Machine, error) {
	var ms []fleet.Machine
	if err := s.db.SelectContext(ctx, &ms, `SELECT `+machineColumns+` FROM machines ORDER BY created_at`); err != nil {
		return nil, err
	}
	return s.attachTags(ctx, ms)
}

func (s *Store) ListByState(ctx context.Context, state fleet.State) ([]fleet.Machine, error) {
	var ms []fleet.Machine
	err := s.db.SelectContext(ctx, &ms, `SELECT `+machineColumns+` FROM machines WHERE state = $1 ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	return s.attachTags(ctx, ms)
}

func (s *Store) ListByTag(ctx context.Context, tag string) ([]fleet.Machine, error) {
	var ms []fleet.Machine
	err := s.db.SelectContext(ctx, &ms, `
		SELECT `+machineColumns+` FROM machines m
		JOIN machine_tags t ON t.machine_id = m.id
		WHERE t.tag = $1
		ORDER BY m.created_at
	`, tag)
	if err != nil {
		return nil, err
	}
	return s.attachTags(ctx, ms)
}

func (s *Store) Update(ctx context.Context, m fleet.Machine) (fleet.Machine, error) {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET name=$1, host=$2, port=$3, ssh_user=$4, private_key_blob=$5,
			password_blob=$6, monitor_interval=$7, updated_at=$8
		WHERE id = $9
	`, m.Name, m.Host, m.Port, m.User, m.PrivateKeyBlob, m.PasswordBlob, m.MonitorInterval, m.UpdatedAt, m.ID)
	if err != nil {
		return fleet.Machine{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fleet.Machine{}, fmt.Errorf("machine %s not found", m.ID)
	}
	if err := s.replaceTags(ctx, m.ID, m.Tags); err != nil {
		return fleet.Machine{}, err
	}
	return s.Get(ctx, m.ID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("machine %s not found", id)
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, id string, state fleet.State, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET state=$1, last_error=$2, updated_at=$3 WHERE id=$4`,
		state, lastError, time.Now().UTC(), id)
	return err
}

func (s *Store) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET last_seen=$1 WHERE id=$2`, at, id)
	return err
}

func (s *Store) replaceTags(ctx context.Context, machineID string, tags []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM machine_tags WHERE machine_id = $1`, machineID); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO machine_tags (machine_id, tag) VALUES ($1, $2)`, machineID, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) tagsFor(ctx context.Context, machineID string) ([]string, error) {
	var tags []string
	err := s.db.SelectContext(ctx, &tags, `SELECT tag FROM machine_tags WHERE machine_id = $1 ORDER BY tag`, machineID)
	return tags, err
}

func (s *Store) attachTags(ctx context.Context, ms []fleet.Machine) ([]fleet.Machine, error) {
	for i := range ms {
		tags, err := s.tagsFor(ctx, ms[i].ID)
		if err != nil {
			return nil, err
		}
		ms[i].Tags = tags
	}
	return ms, nil
}
