package identity

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestRoleOrdering(t *testing.T) {
	require.True(t, RoleAdmin.AtLeast(RoleEditor))
	require.True(t, RoleEditor.AtLeast(RoleEditor))
	require.False(t, RoleViewer.AtLeast(RoleEditor))
	require.False(t, Role(0).AtLeast(0))

	r, err := ParseRole(" editor ")
	require.NoError(t, err)
	require.Equal(t, RoleEditor, r)
	_, err = ParseRole("owner")
	require.Error(t, err)
}

func TestMemoryMutationsBumpTokenVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(User{TenantID: "t1", ID: "u1", Email: "Ann@Acme.io", Role: RoleViewer})

	u, err := m.ByEmail(ctx, "t1", "ann@acme.io ")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	_, err = m.ByEmail(ctx, "t2", "ann@acme.io")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := m.SetRole(ctx, "t1", "u1", RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, uint32(1), v)
	v, err = m.SetPasswordHash(ctx, "t1", "u1", "h")
	require.NoError(t, err)
	require.Equal(t, uint32(2), v)

	u, _ = m.ByID(ctx, "t1", "u1")
	require.Equal(t, RoleAdmin, u.Role)
	require.Equal(t, "h", u.PasswordHash)

	_, err = m.BumpTokenVersion(ctx, "t1", "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresByEmail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgres(mock)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT id, tenant_id, email, password_hash, role, token_version, platform_admin, mfa_enabled FROM users WHERE tenant_id = \$1 AND email = \$2`).
		WithArgs("t1", "ann@acme.io").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "email", "password_hash", "role", "token_version", "platform_admin", "mfa_enabled"}).
			AddRow("u1", "t1", "ann@acme.io", "$argon2id$...", "EDITOR", uint32(4), false, true))
	u, err := store.ByEmail(ctx, "t1", "Ann@Acme.io")
	require.NoError(t, err)
	require.Equal(t, RoleEditor, u.Role)
	require.Equal(t, uint32(4), u.TokenVersion)
	require.True(t, u.MFAEnabled)

	mock.ExpectQuery(`SELECT .* FROM users WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.ByID(ctx, "t1", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`UPDATE users SET role = \$3, token_version = token_version \+ 1`).
		WithArgs("t1", "u1", "ADMIN").
		WillReturnRows(pgxmock.NewRows([]string{"token_version"}).AddRow(uint32(5)))
	v, err := store.SetRole(ctx, "t1", "u1", RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, uint32(5), v)
	require.NoError(t, mock.ExpectationsWereMet())
}
