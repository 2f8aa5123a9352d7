// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrEthical07/tenantauth/migrations"
)

// Set is one directory of migrations tracked in its own version table.
type Set struct {
	Dir   string
	Table string
}

var (
	// Control holds the platform tables of the shared database.
	Control = Set{Dir: "control", Table: "goose_control_version"}
	// Tenant holds the per-tenant tables.
	Tenant = Set{Dir: "tenant", Table: "goose_tenant_version"}
)

// goose keeps its settings in package globals.
var mu sync.Mutex

// Up runs the pending migrations of each set against dsn.
func Up(ctx context.Context, dsn string, sets ...Set) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	for _, s := range sets {
		goose.SetTableName(s.Table)
		if err := goose.UpContext(ctx, db, s.Dir); err != nil {
			return fmt.Errorf("migrate %s: %w", s.Dir, err)
		}
	}
	return nil
}

// Shared applies both sets to the shared database.
func Shared(ctx context.Context, dsn string) error {
	return Up(ctx, dsn, Control, Tenant)
}

// Dedicated applies the tenant set to a dedicated store.
func Dedicated(ctx context.Context, dsn string) error {
	return Up(ctx, dsn, Tenant)
}
