package mfa

import (
	"context"
	"errors"
	"testing"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPostgresEnableCommitsInOneTransaction(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)
	hashes := [][]byte{{1}, {2}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mfa_secrets`).WithArgs("t1", "u1", []byte("sealed")).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM mfa_recovery_codes WHERE tenant_id = \$1 AND user_id = \$2`).WithArgs("t1", "u1").WillReturnResult(pgxmock.NewResult("DELETE", 8))
	mock.ExpectExec(`INSERT INTO mfa_recovery_codes`).WithArgs("t1", "u1", hashes).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectQuery(`UPDATE users SET mfa_enabled = true, token_version = token_version \+ 1`).
		WithArgs("t1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"token_version"}).AddRow(uint32(7)))
	mock.ExpectCommit()

	v, err := store.Enable(context.Background(), "t1", "u1", []byte("sealed"), hashes)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnableRollsBackOnFailure(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mfa_secrets`).WithArgs("t1", "u1", []byte("s")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := store.Enable(context.Background(), "t1", "u1", []byte("s"), nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUsesBoundHandle(t *testing.T) {
	shared := newMockPool(t)
	dedicated := newMockPool(t)
	store := NewPostgresStore(shared)
	ctx := datastore.WithHandle(context.Background(), datastore.Handle{DB: dedicated, Address: "db-2", Dedicated: true})

	dedicated.ExpectQuery(`SELECT s.secret FROM mfa_secrets s`).
		WithArgs("t1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"secret"}).AddRow([]byte("x")))
	sealed, err := store.Secret(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), sealed)

	shared.ExpectQuery(`SELECT s.secret FROM mfa_secrets s`).
		WithArgs("t1", "u2").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.Secret(context.Background(), "t1", "u2")
	require.ErrorIs(t, err, ErrNotEnrolled)

	require.NoError(t, dedicated.ExpectationsWereMet())
	require.NoError(t, shared.ExpectationsWereMet())
}

func TestPostgresConsumeRecoveryCode(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	mock.ExpectExec(`DELETE FROM mfa_recovery_codes WHERE tenant_id = \$1 AND user_id = \$2 AND code_hash = \$3`).
		WithArgs("t1", "u1", []byte{9}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	ok, err := store.ConsumeRecoveryCode(context.Background(), "t1", "u1", []byte{9})
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`DELETE FROM mfa_recovery_codes`).
		WithArgs("t1", "u1", []byte{9}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	ok, err = store.ConsumeRecoveryCode(context.Background(), "t1", "u1", []byte{9})
	require.NoError(t, err)
	require.False(t, ok)
}
