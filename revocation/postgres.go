package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool the Postgres tier uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTier stores revocations durably in revoked_tokens and
// revoked_families on the shared database.
type PostgresTier struct {
	db  Querier
	now func() time.Time
}

// NewPostgresTier returns the durable tier.
func NewPostgresTier(db Querier) *PostgresTier {
	return &PostgresTier{db: db, now: time.Now}
}

func (p *PostgresTier) Name() string { return "postgres" }

func table(kind Kind) (string, string, error) {
	switch kind {
	case KindToken:
		return "revoked_tokens", "jti", nil
	case KindFamily:
		return "revoked_families", "rfid", nil
	default:
		return "", "", fmt.Errorf("unknown revocation kind %q", kind)
	}
}

func (p *PostgresTier) Put(ctx context.Context, kind Kind, e Entry) error {
	tbl, col, err := table(kind)
	if err != nil {
		return err
	}
	var userID any
	if e.UserID != "" {
		userID = e.UserID
	}
	q := `INSERT INTO ` + tbl + ` (tenant_id, ` + col + `, user_id, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, ` + col + `) DO UPDATE
SET expires_at = GREATEST(` + tbl + `.expires_at, EXCLUDED.expires_at)`
	_, err = p.db.Exec(ctx, q, e.TenantID, e.ID, userID, e.ExpiresAt.UTC())
	return err
}

func (p *PostgresTier) Lookup(ctx context.Context, kind Kind, tenantID, id string) (time.Time, bool, error) {
	tbl, col, err := table(kind)
	if err != nil {
		return time.Time{}, false, err
	}
	q := `SELECT expires_at FROM ` + tbl + ` WHERE tenant_id = $1 AND ` + col + ` = $2 AND expires_at > $3`
	var exp time.Time
	if err := p.db.QueryRow(ctx, q, tenantID, id, p.now().UTC()).Scan(&exp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return exp, true, nil
}

// DeleteExpired removes rows that expired before the given time.
func (p *PostgresTier) DeleteExpired(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	var total int64
	for _, kind := range []Kind{KindToken, KindFamily} {
		tbl, _, _ := table(kind)
		var (
			tag pgconn.CommandTag
			err error
		)
		if tenantID == "" {
			tag, err = p.db.Exec(ctx, `DELETE FROM `+tbl+` WHERE expires_at <= $1`, before.UTC())
		} else {
			tag, err = p.db.Exec(ctx, `DELETE FROM `+tbl+` WHERE tenant_id = $1 AND expires_at <= $2`, tenantID, before.UTC())
		}
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
