package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/metrics"
)

// Authenticate turns a bearer access token into a Principal for the tenant
// bound to ctx. Every failure except a tenant mismatch is reported as
// ErrInvalidCredentials; the precise reason only reaches the log.
func (e *Engine) Authenticate(ctx context.Context, bearer string) (p *Principal, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			e.metricInc(metrics.AuthenticateFailure)
		} else {
			e.metricInc(metrics.AuthenticateSuccess)
		}
		if e.metrics != nil {
			e.metrics.Observe(metrics.AuthenticateLatency, time.Since(start))
		}
	}()

	scope, ok := ScopeFromContext(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	tenantID := scope.Tenant.ID

	claims, err := e.tokens.Verify(bearer, jwt.AudienceAccess)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if claims.TenantID != tenantID {
		e.rejectCrossTenant(ctx, "authenticate", claims)
		return nil, ErrCrossTenant
	}

	revoked, err := e.revocations.IsTokenRevoked(ctx, tenantID, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		e.log.Debug("revoked access token", logkey.Tenant(tenantID))
		return nil, ErrInvalidCredentials
	}

	p = &Principal{
		TenantID:     tenantID,
		TokenVersion: claims.TokenVersion,
		TokenID:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}

	if claims.IsImpersonation() {
		g, err := e.liveGrant(ctx, claims)
		if err != nil {
			e.log.Info("impersonation grant rejected", logkey.Tenant(tenantID), zap.Error(err))
			return nil, ErrInvalidCredentials
		}
		p.UserID = strings.TrimPrefix(claims.Subject, jwt.ImpersonationPrefix)
		p.Role = g.Scope.Role()
		p.PlatformAdmin = true
		p.Impersonation = true
		p.GrantID = g.ID
		p.Scope = g.Scope
		return p, nil
	}

	u, err := e.currentUser(ctx, tenantID, claims)
	if err != nil {
		return nil, err
	}
	p.UserID = u.ID
	p.Role = u.Role
	p.PlatformAdmin = u.PlatformAdmin
	p.MFAEnabled = u.MFAEnabled
	return p, nil
}

// currentUser loads the token's subject and checks the token still matches
// the stored token version and platform flag.
func (e *Engine) currentUser(ctx context.Context, tenantID string, claims *jwt.Claims) (*identity.User, error) {
	u, err := e.users.ByID(ctx, tenantID, claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		e.log.Info("token subject not found", logkey.Tenant(tenantID), logkey.Subject(claims.Subject))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u.TokenVersion != claims.TokenVersion || u.PlatformAdmin != claims.PlatformAdmin {
		e.log.Info("stale token version",
			logkey.Tenant(tenantID), logkey.Subject(u.ID),
			zap.Uint32("token", claims.TokenVersion), zap.Uint32("current", u.TokenVersion))
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (e *Engine) rejectCrossTenant(ctx context.Context, stage string, claims *jwt.Claims) {
	e.metricInc(metrics.CrossTenantRejected)
	e.log.Warn("cross-tenant token",
		zap.String("stage", stage),
		zap.String("token_tenant", logkey.Hash(claims.TenantID)))
	e.emitAudit(ctx, auditRecord{
		eventType: audit.CrossTenantViolation,
		userID:    claims.Subject,
		err:       ErrCrossTenant,
	}, func() map[string]string {
		return map[string]string{"stage": stage, "token_tenant": logkey.Hash(claims.TenantID)}
	})
}

// Authorize passes when p's role is at least the lowest of roles.
func (e *Engine) Authorize(p *Principal, roles ...identity.Role) error {
	if p == nil {
		return ErrInvalidCredentials
	}
	if len(roles) == 0 {
		return nil
	}
	lowest := roles[0]
	for _, r := range roles[1:] {
		if r < lowest {
			lowest = r
		}
	}
	if !p.Role.AtLeast(lowest) {
		return ErrForbidden
	}
	return nil
}

// RequirePlatformAdmin gates cross-tenant platform operations. Principals
// acting through an impersonation grant never pass.
func (e *Engine) RequirePlatformAdmin(p *Principal) error {
	if p == nil {
		return ErrInvalidCredentials
	}
	if !p.PlatformAdmin || p.Impersonation {
		return ErrForbidden
	}
	return nil
}

// RequireFreshMFA demands a recent /2fa/reauth before a sensitive action.
func (e *Engine) RequireFreshMFA(ctx context.Context, p *Principal) error {
	if p == nil {
		return ErrInvalidCredentials
	}
	if p.Impersonation {
		return ErrForbidden
	}
	if !p.MFAEnabled {
		if e.config.MFA.RequireEnrollmentForSensitive {
			return ErrMfaRequired
		}
		return nil
	}
	fresh, err := e.mfa.IsFresh(ctx, p.TenantID, p.UserID)
	if err != nil {
		return fmt.Errorf("check mfa freshness: %w", err)
	}
	if !fresh {
		e.metricInc(metrics.MFAFreshnessRequired)
		return ErrMfaFreshnessRequired
	}
	return nil
}
