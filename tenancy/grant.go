package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth/identity"
)

var (
	// ErrGrantNotFound is returned for unknown grant ids.
	ErrGrantNotFound = errors.New("impersonation grant not found")
	// ErrGrantInactive is returned for revoked or expired grants.
	ErrGrantInactive = errors.New("impersonation grant inactive")
)

// Scope limits what an impersonating platform admin may do.
type Scope string

const (
	ScopeReadOnly        Scope = "read_only"
	ScopeBillingSupport  Scope = "billing_support"
	ScopeFullTenantAdmin Scope = "full_tenant_admin"
)

// ParseScope validates s.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeReadOnly, ScopeBillingSupport, ScopeFullTenantAdmin:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown impersonation scope %q", s)
	}
}

// Role maps the scope to the tenant role the impersonator acts with.
func (s Scope) Role() identity.Role {
	switch s {
	case ScopeFullTenantAdmin:
		return identity.RoleAdmin
	case ScopeBillingSupport:
		return identity.RoleEditor
	default:
		return identity.RoleViewer
	}
}

// Grant is a platform-issued, revocable permission to act inside a tenant.
type Grant struct {
	ID        string
	TenantID  string
	ActorID   string
	Scope     Scope
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
}

// Live reports whether the grant can be used at now.
func (g Grant) Live(now time.Time) bool {
	return g.RevokedAt.IsZero() && now.Before(g.ExpiresAt)
}

// GrantStore persists impersonation grants.
type GrantStore interface {
	CreateGrant(ctx context.Context, g Grant) error
	Grant(ctx context.Context, id string) (Grant, error)
	RevokeGrant(ctx context.Context, id string, at time.Time) error
}

func (m *Memory) CreateGrant(_ context.Context, g Grant) error {
	m.mu.Lock()
	m.grants[g.ID] = g
	m.mu.Unlock()
	return nil
}

func (m *Memory) Grant(_ context.Context, id string) (Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	return g, nil
}

func (m *Memory) RevokeGrant(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	if g.RevokedAt.IsZero() {
		g.RevokedAt = at
		m.grants[id] = g
	}
	return nil
}
