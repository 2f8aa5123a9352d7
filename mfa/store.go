package mfa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/jackc/pgx/v5"
)

// ErrNotEnrolled is returned when a user has no enabled MFA secret.
var ErrNotEnrolled = errors.New("mfa not enrolled")

// Store persists enabled secrets and recovery code hashes.
type Store interface {
	// Secret returns the sealed secret of an enabled enrollment.
	Secret(ctx context.Context, tenantID, userID string) ([]byte, error)
	// Enable stores the secret, replaces every recovery code, marks MFA
	// enabled and bumps the user's token version in one transaction. It
	// returns the new token version.
	Enable(ctx context.Context, tenantID, userID string, sealed []byte, codeHashes [][]byte) (uint32, error)
	// ConsumeRecoveryCode deletes the matching code and reports whether one existed.
	ConsumeRecoveryCode(ctx context.Context, tenantID, userID string, codeHash []byte) (bool, error)
}

// PostgresStore keeps MFA rows in the tenant's data store. The database is
// taken from the request's bound datastore handle, falling back to the
// shared pool.
type PostgresStore struct {
	shared datastore.DB
}

// NewPostgresStore returns a Postgres-backed Store.
func NewPostgresStore(shared datastore.DB) *PostgresStore {
	return &PostgresStore{shared: shared}
}

func (p *PostgresStore) Secret(ctx context.Context, tenantID, userID string) ([]byte, error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return nil, err
	}
	var sealed []byte
	err = db.QueryRow(ctx,
		`SELECT s.secret FROM mfa_secrets s
JOIN users u ON u.tenant_id = s.tenant_id AND u.id = s.user_id
WHERE s.tenant_id = $1 AND s.user_id = $2 AND u.mfa_enabled`,
		tenantID, userID).Scan(&sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	return sealed, nil
}

func (p *PostgresStore) Enable(ctx context.Context, tenantID, userID string, sealed []byte, codeHashes [][]byte) (version uint32, err error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return 0, err
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO mfa_secrets (tenant_id, user_id, secret, enabled_at) VALUES ($1, $2, $3, now())
ON CONFLICT (tenant_id, user_id) DO UPDATE SET secret = EXCLUDED.secret, enabled_at = EXCLUDED.enabled_at`,
		tenantID, userID, sealed); err != nil {
		return 0, fmt.Errorf("store secret: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`DELETE FROM mfa_recovery_codes WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID); err != nil {
		return 0, fmt.Errorf("clear recovery codes: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO mfa_recovery_codes (tenant_id, user_id, code_hash) SELECT $1, $2, unnest($3::bytea[])`,
		tenantID, userID, codeHashes); err != nil {
		return 0, fmt.Errorf("store recovery codes: %w", err)
	}
	if err = tx.QueryRow(ctx,
		`UPDATE users SET mfa_enabled = true, token_version = token_version + 1
WHERE tenant_id = $1 AND id = $2 RETURNING token_version`,
		tenantID, userID).Scan(&version); err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return version, nil
}

func (p *PostgresStore) ConsumeRecoveryCode(ctx context.Context, tenantID, userID string, codeHash []byte) (bool, error) {
	db, err := datastore.Conn(ctx, p.shared)
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx,
		`DELETE FROM mfa_recovery_codes WHERE tenant_id = $1 AND user_id = $2 AND code_hash = $3`,
		tenantID, userID, codeHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// VersionBumper increments a user's token version.
type VersionBumper interface {
	BumpTokenVersion(ctx context.Context, tenantID, userID string) (uint32, error)
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu       sync.Mutex
	secrets  map[string][]byte
	codes    map[string]map[string]struct{}
	versions VersionBumper
}

// NewMemoryStore returns a MemoryStore that bumps token versions through versions.
func NewMemoryStore(versions VersionBumper) *MemoryStore {
	return &MemoryStore{
		secrets:  map[string][]byte{},
		codes:    map[string]map[string]struct{}{},
		versions: versions,
	}
}

func memKey(tenantID, userID string) string { return tenantID + "/" + userID }

func (m *MemoryStore) Secret(_ context.Context, tenantID, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[memKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotEnrolled
	}
	return s, nil
}

func (m *MemoryStore) Enable(ctx context.Context, tenantID, userID string, sealed []byte, codeHashes [][]byte) (uint32, error) {
	var version uint32
	if m.versions != nil {
		v, err := m.versions.BumpTokenVersion(ctx, tenantID, userID)
		if err != nil {
			return 0, err
		}
		version = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, userID)
	m.secrets[k] = sealed
	set := make(map[string]struct{}, len(codeHashes))
	for _, h := range codeHashes {
		set[string(h)] = struct{}{}
	}
	m.codes[k] = set
	return version, nil
}

func (m *MemoryStore) ConsumeRecoveryCode(_ context.Context, tenantID, userID string, codeHash []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.codes[memKey(tenantID, userID)]
	if _, ok := set[string(codeHash)]; !ok {
		return false, nil
	}
	delete(set, string(codeHash))
	return true, nil
}
