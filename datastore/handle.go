package datastore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoHandle is returned when no data handle is bound and no fallback was given.
var ErrNoHandle = errors.New("no datastore handle bound to context")

// DB is the subset of *pgxpool.Pool that tenant-scoped stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Handle is the data store selected for one tenant on one request.
type Handle struct {
	DB        DB
	Address   string
	Dedicated bool
}

type handleKey struct{}

// WithHandle binds h to ctx.
func WithHandle(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the bound handle.
func HandleFromContext(ctx context.Context) (Handle, bool) {
	if ctx == nil {
		return Handle{}, false
	}
	h, ok := ctx.Value(handleKey{}).(Handle)
	return h, ok && h.DB != nil
}

// Conn returns the bound handle's DB, or fallback when nothing is bound.
func Conn(ctx context.Context, fallback DB) (DB, error) {
	if h, ok := HandleFromContext(ctx); ok {
		return h.DB, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoHandle
}
