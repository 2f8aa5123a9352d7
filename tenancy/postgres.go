package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/datastore"
)

// Postgres reads tenants and impersonation grants from the shared control
// database. These rows never live in a dedicated store.
type Postgres struct {
	db  datastore.DB
	log *zap.Logger
}

// NewPostgres returns a Postgres provider.
func NewPostgres(db datastore.DB, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, log: log}
}

const tenantColumns = `t.id, t.slug, t.status, t.dedicated, COALESCE(t.store_address, ''), COALESCE(array_agg(h.host) FILTER (WHERE h.host IS NOT NULL), '{}')`

const tenantFrom = ` FROM tenants t LEFT JOIN tenant_hosts h ON h.tenant_id = t.id `

func scanTenant(row pgx.Row) (Tenant, error) {
	var (
		t      Tenant
		status string
	)
	if err := row.Scan(&t.ID, &t.Slug, &status, &t.Dedicated, &t.StoreAddress, &t.Hosts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	t.Status = Status(status)
	return t, nil
}

func (p *Postgres) ByID(ctx context.Context, id string) (Tenant, error) {
	return scanTenant(p.db.QueryRow(ctx,
		`SELECT `+tenantColumns+tenantFrom+`WHERE t.id = $1 GROUP BY t.id`, id))
}

func (p *Postgres) ByHost(ctx context.Context, host string) (Tenant, error) {
	host = NormalizeHost(host)
	if host == "" {
		return Tenant{}, ErrNotFound
	}
	var id string
	err := p.db.QueryRow(ctx, `SELECT tenant_id FROM tenant_hosts WHERE host = $1`, host).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		p.log.Warn("tenant host lookup failed", zap.Error(err))
		return Tenant{}, err
	}
	return p.ByID(ctx, id)
}

func (p *Postgres) ByAPIKeyHash(ctx context.Context, hash string) (Tenant, error) {
	var id string
	err := p.db.QueryRow(ctx,
		`SELECT tenant_id FROM tenant_api_keys WHERE key_hash = $1 AND revoked_at IS NULL`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		p.log.Warn("api key lookup failed", zap.Error(err))
		return Tenant{}, err
	}
	return p.ByID(ctx, id)
}

func (p *Postgres) CreateGrant(ctx context.Context, g Grant) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO impersonation_grants (id, tenant_id, actor_id, scope, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.TenantID, g.ActorID, string(g.Scope), g.CreatedAt, g.ExpiresAt)
	return err
}

func (p *Postgres) Grant(ctx context.Context, id string) (Grant, error) {
	var (
		g       Grant
		scope   string
		revoked *time.Time
	)
	err := p.db.QueryRow(ctx,
		`SELECT id, tenant_id, actor_id, scope, created_at, expires_at, revoked_at FROM impersonation_grants WHERE id = $1`, id).
		Scan(&g.ID, &g.TenantID, &g.ActorID, &scope, &g.CreatedAt, &g.ExpiresAt, &revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrGrantNotFound
	}
	if err != nil {
		return Grant{}, err
	}
	g.Scope = Scope(scope)
	if revoked != nil {
		g.RevokedAt = *revoked
	}
	return g, nil
}

func (p *Postgres) RevokeGrant(ctx context.Context, id string, at time.Time) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE impersonation_grants SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}
