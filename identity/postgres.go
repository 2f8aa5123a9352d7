package identity

import (
	"context"
	"errors"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/jackc/pgx/v5"
)

// Postgres reads users from the tenant's bound data store, falling back to
// the shared pool.
type Postgres struct {
	shared datastore.DB
}

// NewPostgres returns a Postgres-backed Store.
func NewPostgres(shared datastore.DB) *Postgres {
	return &Postgres{shared: shared}
}

const userColumns = `id, tenant_id, email, password_hash, role, token_version, platform_admin, mfa_enabled`

func scanUser(row pgx.Row) (*User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &role, &u.TokenVersion, &u.PlatformAdmin, &u.MFAEnabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r, err := ParseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = r
	return &u, nil
}

func (p *Postgres) ByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return nil, err
	}
	return scanUser(db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND email = $2`,
		tenantID, NormalizeEmail(email)))
}

func (p *Postgres) ByID(ctx context.Context, tenantID, userID string) (*User, error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return nil, err
	}
	return scanUser(db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`,
		tenantID, userID))
}

func (p *Postgres) returning(ctx context.Context, sql string, args ...any) (uint32, error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return 0, err
	}
	var v uint32
	if err := db.QueryRow(ctx, sql, args...).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return v, nil
}

func (p *Postgres) BumpTokenVersion(ctx context.Context, tenantID, userID string) (uint32, error) {
	return p.returning(ctx,
		`UPDATE users SET token_version = token_version + 1 WHERE tenant_id = $1 AND id = $2 RETURNING token_version`,
		tenantID, userID)
}

func (p *Postgres) SetPasswordHash(ctx context.Context, tenantID, userID, hash string) (uint32, error) {
	return p.returning(ctx,
		`UPDATE users SET password_hash = $3, token_version = token_version + 1 WHERE tenant_id = $1 AND id = $2 RETURNING token_version`,
		tenantID, userID, hash)
}

func (p *Postgres) SetRole(ctx context.Context, tenantID, userID string, role Role) (uint32, error) {
	return p.returning(ctx,
		`UPDATE users SET role = $3, token_version = token_version + 1 WHERE tenant_id = $1 AND id = $2 RETURNING token_version`,
		tenantID, userID, role.String())
}
