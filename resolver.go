package tenantauth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/tenancy"
)

// ResolveTenant picks the tenant a request belongs to.
//
// A verifying bearer token supplies the primary candidate. An impersonation
// token with a live grant pins the grant's tenant outright. Otherwise the
// API key, then Origin, then Host supply a second candidate, and the two
// must agree. An unverifiable bearer is ignored here; Authenticate rejects
// it later on routes that need it.
func (e *Engine) ResolveTenant(ctx context.Context, in ResolveInput) (*Resolution, error) {
	var (
		jwtTenant string
		pinned    *tenancy.Grant
	)
	if in.Bearer != "" {
		if claims, err := e.tokens.Verify(in.Bearer, jwt.AudienceAccess); err == nil {
			if claims.IsImpersonation() {
				g, err := e.liveGrant(ctx, claims)
				if err == nil {
					pinned = &g
				}
			} else {
				jwtTenant = claims.TenantID
			}
		}
	}

	if pinned != nil {
		t, err := e.loadTenant(ctx, pinned.TenantID, in.Path)
		if err != nil {
			return nil, err
		}
		return &Resolution{Tenant: t, Grant: pinned}, nil
	}

	headerTenant, err := e.headerTenant(ctx, in)
	if err != nil {
		return nil, err
	}

	id := jwtTenant
	switch {
	case jwtTenant != "" && headerTenant != "" && jwtTenant != headerTenant:
		e.metricInc(metrics.CrossTenantRejected)
		e.log.Warn("tenant candidates disagree",
			zap.String("token_tenant", logkey.Hash(jwtTenant)),
			zap.String("header_tenant", logkey.Hash(headerTenant)))
		e.emitAudit(ctx, auditRecord{
			eventType: audit.CrossTenantViolation,
			tenantID:  headerTenant,
			err:       ErrCrossTenant,
		}, func() map[string]string {
			return map[string]string{"stage": "resolve", "token_tenant": logkey.Hash(jwtTenant)}
		})
		return nil, ErrCrossTenant
	case id == "":
		id = headerTenant
	}

	if id == "" {
		boot := e.config.Tenancy.DevBootstrap
		if !boot.Enabled || e.config.Environment != EnvDevelopment || in.Path != boot.Path {
			return nil, ErrTenantUnresolved
		}
		e.log.Debug("dev bootstrap tenant", zap.String("path", in.Path))
		id = boot.TenantID
	}

	t, err := e.loadTenant(ctx, id, in.Path)
	if err != nil {
		return nil, err
	}
	return &Resolution{Tenant: t}, nil
}

// headerTenant resolves the tenant id from request headers, or "" if none
// of them maps to a tenant. A presented but unknown API key is an error.
func (e *Engine) headerTenant(ctx context.Context, in ResolveInput) (string, error) {
	if in.APIKey != "" {
		t, err := e.tenants.ByAPIKeyHash(ctx, tenancy.HashAPIKey(in.APIKey))
		if errors.Is(err, tenancy.ErrNotFound) {
			e.metricInc(metrics.TenantNotFound)
			return "", ErrTenantNotFound
		}
		if err != nil {
			return "", fmt.Errorf("resolve api key: %w", err)
		}
		return t.ID, nil
	}
	for _, h := range []string{in.Origin, in.Host} {
		host := tenancy.NormalizeHost(h)
		if host == "" {
			continue
		}
		t, err := e.tenants.ByHost(ctx, host)
		if errors.Is(err, tenancy.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve host: %w", err)
		}
		return t.ID, nil
	}
	return "", nil
}

func (e *Engine) loadTenant(ctx context.Context, id, path string) (tenancy.Tenant, error) {
	t, err := e.tenants.ByID(ctx, id)
	if errors.Is(err, tenancy.ErrNotFound) {
		e.metricInc(metrics.TenantNotFound)
		e.log.Info("tenant not found", logkey.Tenant(id))
		return tenancy.Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return tenancy.Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	if !t.Active() && !e.config.isDiagnostic(path) {
		e.metricInc(metrics.TenantSuspended)
		e.log.Info("tenant suspended", logkey.Tenant(id), zap.String("path", path))
		return tenancy.Tenant{}, ErrTenantSuspended
	}
	return t, nil
}

// Bind routes t to its data store and returns a context carrying the
// tenant and its handle. A dedicated store behind an open breaker yields a
// *RetryError wrapping ErrTenantUnavailable.
func (e *Engine) Bind(ctx context.Context, t tenancy.Tenant) (context.Context, error) {
	h, err := e.router.Route(ctx, datastore.Target{
		TenantID:  t.ID,
		Dedicated: t.Dedicated,
		Address:   t.StoreAddress,
	})
	var ue *datastore.UnavailableError
	switch {
	case err == nil:
	case errors.As(err, &ue):
		e.metricInc(metrics.DedicatedUnavailable)
		e.log.Warn("dedicated store unavailable",
			logkey.Tenant(t.ID),
			zap.String("store", logkey.Hash(ue.Address)),
			zap.Duration("retry_after", ue.RetryAfter),
			zap.NamedError("cause", ue.Cause))
		return ctx, &RetryError{Err: ErrTenantUnavailable, RetryAfter: ue.RetryAfter}
	case errors.Is(err, datastore.ErrNoHandle) && !t.Dedicated:
		// No shared pool configured: in-memory stores need no handle.
	default:
		return ctx, fmt.Errorf("route tenant: %w", err)
	}
	return WithScope(ctx, Scope{Tenant: t, Handle: h}), nil
}

// liveGrant loads the grant behind an impersonation token and checks it is
// live and issued for the token's tenant.
func (e *Engine) liveGrant(ctx context.Context, claims *jwt.Claims) (tenancy.Grant, error) {
	if claims.GrantID == "" {
		return tenancy.Grant{}, tenancy.ErrGrantNotFound
	}
	g, err := e.grants.Grant(ctx, claims.GrantID)
	if err != nil {
		return tenancy.Grant{}, err
	}
	if !g.Live(e.now()) || g.TenantID != claims.TenantID {
		return tenancy.Grant{}, tenancy.ErrGrantInactive
	}
	return g, nil
}
