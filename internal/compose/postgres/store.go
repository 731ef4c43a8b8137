// Package postgres persists compose deployments, grounded on
// internal/fleet/postgres's sqlx usage over the same database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops/control-plane/internal/compose"
)

// Store implements compose.Store over Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an existing *sqlx.DB connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type deploymentRow struct {
	ID          string `db:"id"`
	MachineID   string `db:"machine_id"`
	Name        string `db:"name"`
	NetworkName string `db:"network_name"`
	ConfigJSON  []byte `db:"config_json"`
	Status      string `db:"status"`
}

type serviceRow struct {
	DeploymentID string `db:"deployment_id"`
	Name         string `db:"name"`
	ContainerID  string `db:"container_id"`
	CreatedOrder int    `db:"created_order"`
}

// Save inserts a deployment, or for an existing id updates only its status
// and updated_at, and replaces its service rows, all in one transaction.
func (s *Store) Save(ctx context.Context, d compose.Deployment) error {
	cfgJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal compose config: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compose_deployments (id, machine_id, name, network_name, config_json, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		d.ID, d.MachineID, d.Name, d.NetworkName, cfgJSON, string(d.Status))
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM compose_services WHERE deployment_id = $1`, d.ID); err != nil {
		return fmt.Errorf("clear services: %w", err)
	}
	for i, name := range d.ServiceOrder {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compose_services (deployment_id, name, container_id, created_order)
			VALUES ($1, $2, $3, $4)`,
			d.ID, name, d.ServiceContainers[name], i); err != nil {
			return fmt.Errorf("insert service %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// Get loads a deployment by id.
func (s *Store) Get(ctx context.Context, id string) (compose.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, machine_id, name, network_name, config_json, status
		FROM compose_deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return compose.Deployment{}, fmt.Errorf("deployment %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return compose.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}

	var cfg compose.Config
	if err := json.Unmarshal(row.ConfigJSON, &cfg); err != nil {
		return compose.Deployment{}, fmt.Errorf("unmarshal compose config: %w", err)
	}

	var svcRows []serviceRow
	if err := s.db.SelectContext(ctx, &svcRows, `
		SELECT deployment_id, name, container_id, created_order
		FROM compose_services WHERE deployment_id = $1 ORDER BY created_order ASC`, id); err != nil {
		return compose.Deployment{}, fmt.Errorf("list services: %w", err)
	}

	d := compose.Deployment{
		ID: row.ID, MachineID: row.MachineID, Name: row.Name,
		NetworkName: row.NetworkName, Config: cfg, Status: compose.Status(row.Status),
		ServiceContainers: map[string]string{},
	}
	for _, sv := range svcRows {
		d.ServiceOrder = append(d.ServiceOrder, sv.Name)
		d.ServiceContainers[sv.Name] = sv.ContainerID
	}
	return d, nil
}

// Delete removes a deployment and its service rows (cascades via FK).
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM compose_deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deployment %s: %w", id, sql.ErrNoRows)
	}
	return nil
}
