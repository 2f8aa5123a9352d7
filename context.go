package tenantauth

import (
	"context"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/tenancy"
)

// Scope is what one request is bound to once its tenant is resolved.
type Scope struct {
	Tenant tenancy.Tenant
	Handle datastore.Handle
}

type scopeKey struct{}
type principalKey struct{}
type clientIPKey struct{}

// WithScope binds s to ctx. The handle is also bound on its own so that
// stores below the engine pick the tenant's pool through datastore.Conn.
func WithScope(ctx context.Context, s Scope) context.Context {
	ctx = context.WithValue(ctx, scopeKey{}, s)
	if s.Handle.DB != nil {
		ctx = datastore.WithHandle(ctx, s.Handle)
	}
	return ctx
}

// ScopeFromContext returns the bound scope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// TenantFromContext returns the bound tenant.
func TenantFromContext(ctx context.Context) (tenancy.Tenant, bool) {
	s, ok := ScopeFromContext(ctx)
	return s.Tenant, ok
}

// WithPrincipal binds an authenticated caller to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// WithClientIP attaches the caller's IP for login risk tracking and audit.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
