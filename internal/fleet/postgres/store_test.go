package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/control-plane/internal/fleet"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewStore(sqlxDB), mock
}

func TestCreate_InsertsMachineAndTags(t *testing.T) {
	store, mock := newMockStore(t)

	m := fleet.Machine{
		ID: "m1", Name: "host-a", Host: "10.0.0.1", Port: 22, User: "root",
		PasswordBlob: []byte("sealed"), State: fleet.StateInitializing,
		Tags: []string{"prod", "east"},
	}

	mock.ExpectExec("INSERT INTO machines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM machine_tags").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO machine_tags").WithArgs("m1", "prod").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO machine_tags").WithArgs("m1", "east").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.Create(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM machines WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetState_UpdatesRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE machines SET state").
		WithArgs(fleet.StateActive, "", sqlmock.AnyArg(), "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetState(context.Background(), "m1", fleet.StateActive, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLastSeen_UpdatesRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE machines SET last_seen").
		WithArgs(now, "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetLastSeen(context.Background(), "m1", now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_NotFoundReturnsError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM machines").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
