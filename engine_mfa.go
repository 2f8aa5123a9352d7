package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/loginrisk"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
)

// principalUser loads the user behind a non-impersonation principal.
func (e *Engine) principalUser(ctx context.Context, p *Principal) (*identity.User, error) {
	if p == nil {
		return nil, ErrInvalidCredentials
	}
	if p.Impersonation {
		return nil, ErrForbidden
	}
	u, err := e.users.ByID(ctx, p.TenantID, p.UserID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (e *Engine) riskSubject(ctx context.Context, u *identity.User) loginrisk.Subject {
	return loginrisk.Subject{
		TenantID: u.TenantID,
		Identity: identity.NormalizeEmail(u.Email),
		IP:       clientIPFromContext(ctx),
	}
}

// SetupMFA starts enrollment. Replacing an existing enrollment is a
// sensitive action and needs a fresh reauth.
func (e *Engine) SetupMFA(ctx context.Context, p *Principal) (*mfa.Enrollment, error) {
	u, err := e.principalUser(ctx, p)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		if err := e.RequireFreshMFA(ctx, p); err != nil {
			return nil, err
		}
	}
	enr, err := e.mfa.Setup(ctx, u.TenantID, u.ID, u.Email)
	if err != nil {
		return nil, fmt.Errorf("mfa setup: %w", err)
	}
	e.emitAudit(ctx, auditRecord{eventType: audit.MFASetupStarted, userID: u.ID, success: true}, nil)
	return enr, nil
}

// ConfirmMFA completes enrollment. Enabling MFA bumps the token version, so
// the caller receives a new session alongside the recovery codes.
func (e *Engine) ConfirmMFA(ctx context.Context, p *Principal, code string) (*MFAConfirmation, error) {
	u, err := e.principalUser(ctx, p)
	if err != nil {
		return nil, err
	}
	subj := e.riskSubject(ctx, u)
	if _, err := e.risk.Check(ctx, subj); err != nil {
		return nil, e.loginRiskError(ctx, subj, err)
	}

	conf, err := e.mfa.Confirm(ctx, u.TenantID, u.ID, code)
	switch {
	case errors.Is(err, mfa.ErrNoPendingEnrollment):
		return nil, ErrMfaNotPending
	case errors.Is(err, mfa.ErrInvalidCode):
		e.metricInc(metrics.MFAVerifyFailure)
		e.emitAudit(ctx, auditRecord{eventType: audit.MFAFailure, userID: u.ID, err: ErrInvalidCredentials},
			func() map[string]string { return map[string]string{"stage": "enroll"} })
		return nil, e.loginFailed(ctx, subj, u.ID, "enroll_totp")
	case err != nil:
		return nil, fmt.Errorf("mfa confirm: %w", err)
	}

	u.MFAEnabled = true
	u.TokenVersion = conf.TokenVersion
	sess, err := e.issueSession(u, "")
	if err != nil {
		return nil, err
	}
	e.metricInc(metrics.MFAEnabled)
	e.log.Info("mfa enabled", logkey.Tenant(u.TenantID), logkey.Subject(u.ID))
	e.emitAudit(ctx, auditRecord{eventType: audit.MFAEnabled, userID: u.ID, success: true},
		func() map[string]string {
			return map[string]string{
				"recovery_codes": strconv.Itoa(len(conf.RecoveryCodes)),
				"token_version":  strconv.FormatUint(uint64(conf.TokenVersion), 10),
			}
		})
	return &MFAConfirmation{RecoveryCodes: conf.RecoveryCodes, Session: sess}, nil
}

// ReauthMFA proves current possession of the second factor and opens the
// step-up freshness window. Failures count toward login risk.
func (e *Engine) ReauthMFA(ctx context.Context, p *Principal, code string) error {
	u, err := e.principalUser(ctx, p)
	if err != nil {
		return err
	}
	subj := e.riskSubject(ctx, u)
	if _, err := e.risk.Check(ctx, subj); err != nil {
		return e.loginRiskError(ctx, subj, err)
	}

	err = e.mfa.Reauth(ctx, u.TenantID, u.ID, code)
	switch {
	case errors.Is(err, mfa.ErrNotEnrolled):
		return ErrMfaRequired
	case errors.Is(err, mfa.ErrInvalidCode):
		e.metricInc(metrics.MFAVerifyFailure)
		e.emitAudit(ctx, auditRecord{eventType: audit.MFAFailure, userID: u.ID, err: ErrInvalidCredentials},
			func() map[string]string { return map[string]string{"stage": "reauth"} })
		return e.loginFailed(ctx, subj, u.ID, "reauth")
	case err != nil:
		return fmt.Errorf("mfa reauth: %w", err)
	}

	if err := e.risk.RecordSuccess(ctx, subj); err != nil {
		e.log.Warn("clear login risk", logkey.Tenant(u.TenantID), zap.Error(err))
	}
	e.metricInc(metrics.MFAReauth)
	e.emitAudit(ctx, auditRecord{eventType: audit.MFAReauth, userID: u.ID, success: true}, nil)
	return nil
}
