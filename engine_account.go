package tenantauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/password"
)

// ChangePassword replaces the caller's password after a fresh MFA reauth.
// The token version bump ends every other session; the caller gets a new one.
func (e *Engine) ChangePassword(ctx context.Context, p *Principal, current, next string) (*Session, error) {
	u, err := e.principalUser(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := e.RequireFreshMFA(ctx, p); err != nil {
		return nil, err
	}
	subj := e.riskSubject(ctx, u)
	if _, err := e.risk.Check(ctx, subj); err != nil {
		return nil, e.loginRiskError(ctx, subj, err)
	}

	ok, err := e.hasher.Verify(current, u.PasswordHash)
	if err != nil || !ok {
		return nil, e.loginFailed(ctx, subj, u.ID, "change_password")
	}
	hash, err := e.hasher.Hash(next)
	if errors.Is(err, password.ErrPolicy) {
		return nil, fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}
	if err != nil {
		return nil, err
	}
	version, err := e.users.SetPasswordHash(ctx, u.TenantID, u.ID, hash)
	if err != nil {
		return nil, fmt.Errorf("store password: %w", err)
	}
	u.PasswordHash = hash
	u.TokenVersion = version

	sess, err := e.issueSession(u, "")
	if err != nil {
		return nil, err
	}
	e.metricInc(metrics.PasswordChanged)
	e.log.Info("password changed", logkey.Tenant(u.TenantID), logkey.Subject(u.ID))
	e.emitAudit(ctx, auditRecord{eventType: audit.PasswordChanged, userID: u.ID, success: true}, nil)
	return sess, nil
}

// ChangeRole sets another user's role. It needs ADMIN and a fresh MFA
// reauth, and an admin cannot demote themself.
func (e *Engine) ChangeRole(ctx context.Context, p *Principal, userID string, role identity.Role) error {
	if err := e.Authorize(p, identity.RoleAdmin); err != nil {
		return err
	}
	if err := e.RequireFreshMFA(ctx, p); err != nil {
		return err
	}
	if role < identity.RoleViewer || role > identity.RoleAdmin {
		return ErrInvalidRequest
	}
	target, err := e.users.ByID(ctx, p.TenantID, userID)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrInvalidRequest
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if target.ID == p.UserID && role < target.Role {
		return ErrForbidden
	}
	if target.Role == role {
		return nil
	}
	if _, err := e.users.SetRole(ctx, p.TenantID, target.ID, role); err != nil {
		return fmt.Errorf("store role: %w", err)
	}
	e.metricInc(metrics.RoleChanged)
	e.emitAudit(ctx, auditRecord{eventType: audit.RoleChanged, userID: target.ID, actorID: p.UserID, success: true},
		func() map[string]string {
			return map[string]string{"from": target.Role.String(), "to": role.String()}
		})
	return nil
}
