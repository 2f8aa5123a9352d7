package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newMockTier(t *testing.T) (*PostgresTier, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresTier(mock), mock
}

func TestPostgresTierPut(t *testing.T) {
	tier, mock := newMockTier(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec(`INSERT INTO revoked_tokens \(tenant_id, jti, user_id, expires_at\)`).
		WithArgs("t1", "j1", "u1", exp.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, tier.Put(context.Background(), KindToken, Entry{TenantID: "t1", UserID: "u1", ID: "j1", ExpiresAt: exp}))

	mock.ExpectExec(`INSERT INTO revoked_families \(tenant_id, rfid, user_id, expires_at\)`).
		WithArgs("t1", "f1", "u1", exp.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, tier.Put(context.Background(), KindFamily, Entry{TenantID: "t1", UserID: "u1", ID: "f1", ExpiresAt: exp}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTierLookup(t *testing.T) {
	tier, mock := newMockTier(t)
	exp := time.Now().Add(time.Hour).UTC()

	mock.ExpectQuery(`SELECT expires_at FROM revoked_families WHERE tenant_id = \$1 AND rfid = \$2 AND expires_at > \$3`).
		WithArgs("t1", "f1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"expires_at"}).AddRow(exp))
	got, found, err := tier.Lookup(context.Background(), KindFamily, "t1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, exp, got)

	mock.ExpectQuery(`SELECT expires_at FROM revoked_tokens`).
		WithArgs("t1", "missing", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	_, found, err = tier.Lookup(context.Background(), KindToken, "t1", "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTierDeleteExpired(t *testing.T) {
	tier, mock := newMockTier(t)
	before := time.Now()

	mock.ExpectExec(`DELETE FROM revoked_tokens WHERE tenant_id = \$1 AND expires_at <= \$2`).
		WithArgs("t1", before.UTC()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM revoked_families WHERE tenant_id = \$1 AND expires_at <= \$2`).
		WithArgs("t1", before.UTC()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	n, err := tier.DeleteExpired(context.Background(), "t1", before)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	mock.ExpectExec(`DELETE FROM revoked_tokens WHERE expires_at <= \$1`).
		WithArgs(before.UTC()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM revoked_families WHERE expires_at <= \$1`).
		WithArgs(before.UTC()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	_, err = tier.DeleteExpired(context.Background(), "", before)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
