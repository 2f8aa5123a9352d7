package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/internal/ids"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/loginrisk"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
	"github.com/MrEthical07/tenantauth/revocation"
)

// issueSession mints an access and refresh pair for u. An empty familyID
// starts a new rotation family.
func (e *Engine) issueSession(u *identity.User, familyID string) (*Session, error) {
	claims := jwt.Claims{
		TenantID:         u.TenantID,
		Role:             u.Role.String(),
		TokenVersion:     u.TokenVersion,
		PlatformAdmin:    u.PlatformAdmin,
		RegisteredClaims: gojwt.RegisteredClaims{Subject: u.ID},
	}
	access, accessExp, err := e.tokens.IssueAccess(claims, ids.TokenID())
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	if familyID == "" {
		familyID = ids.FamilyID(e.now())
	}
	claims.FamilyID = familyID
	refresh, refreshExp, err := e.tokens.IssueRefresh(claims, ids.TokenID())
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	csrf, err := ids.CSRFToken()
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		CSRFToken:        csrf,
		FamilyID:         familyID,
		User:             viewOf(u),
	}, nil
}

// Login authenticates a password and, when enrolled, a second factor.
//
// Login risk is consulted before anything else, so a locked identity gets
// ErrAccountLocked even with every credential correct. Unknown emails pay
// for a dummy hash comparison.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	scope, ok := ScopeFromContext(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	tenantID := scope.Tenant.ID
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidRequest
	}
	subj := loginrisk.Subject{TenantID: tenantID, Identity: email, IP: clientIPFromContext(ctx)}

	decision, err := e.risk.Check(ctx, subj)
	if err != nil {
		return nil, e.loginRiskError(ctx, subj, err)
	}

	if decision.CaptchaRequired {
		if err := e.checkCaptcha(ctx, subj, req.Captcha); err != nil {
			return nil, err
		}
	}

	u, err := e.users.ByEmail(ctx, tenantID, email)
	if errors.Is(err, identity.ErrNotFound) {
		e.hasher.DummyVerify(req.Password)
		return nil, e.loginFailed(ctx, subj, "", "unknown_identity")
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	match, err := e.hasher.Verify(req.Password, u.PasswordHash)
	if err != nil {
		e.log.Error("stored password hash unusable", logkey.Tenant(tenantID), logkey.Subject(u.ID), zap.Error(err))
		return nil, e.loginFailed(ctx, subj, u.ID, "malformed_hash")
	}
	if !match {
		return nil, e.loginFailed(ctx, subj, u.ID, "password")
	}

	required, err := e.mfa.Required(ctx, tenantID, u.ID, u.MFAEnabled)
	if err != nil {
		return nil, fmt.Errorf("check mfa: %w", err)
	}
	if required {
		if err := e.loginSecondFactor(ctx, subj, u, req); err != nil {
			return nil, err
		}
	}

	if err := e.risk.RecordSuccess(ctx, subj); err != nil {
		e.log.Warn("clear login risk", logkey.Tenant(tenantID), zap.Error(err))
	}
	sess, err := e.issueSession(u, "")
	if err != nil {
		return nil, err
	}
	e.metricInc(metrics.LoginSuccess)
	e.emitAudit(ctx, auditRecord{eventType: audit.LoginSuccess, userID: u.ID, success: true}, nil)
	return sess, nil
}

func (e *Engine) loginSecondFactor(ctx context.Context, subj loginrisk.Subject, u *identity.User, req LoginRequest) error {
	switch {
	case req.TOTP != "":
		err := e.mfa.VerifyCode(ctx, subj.TenantID, u.ID, req.TOTP)
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNotEnrolled) {
			e.metricInc(metrics.MFAVerifyFailure)
			e.emitAudit(ctx, auditRecord{eventType: audit.MFAFailure, userID: u.ID, err: ErrInvalidCredentials},
				func() map[string]string { return map[string]string{"stage": "login", "factor": "totp"} })
			return e.loginFailed(ctx, subj, u.ID, "totp")
		}
		return err
	case req.RecoveryCode != "":
		err := e.mfa.ConsumeRecoveryCode(ctx, subj.TenantID, u.ID, req.RecoveryCode)
		if errors.Is(err, mfa.ErrInvalidCode) {
			e.metricInc(metrics.MFAVerifyFailure)
			e.emitAudit(ctx, auditRecord{eventType: audit.MFAFailure, userID: u.ID, err: ErrInvalidCredentials},
				func() map[string]string { return map[string]string{"stage": "login", "factor": "recovery_code"} })
			return e.loginFailed(ctx, subj, u.ID, "recovery_code")
		}
		if err != nil {
			return err
		}
		e.metricInc(metrics.MFARecoveryCodeUsed)
		e.emitAudit(ctx, auditRecord{eventType: audit.MFARecoveryCodeUsed, userID: u.ID, success: true}, nil)
		return nil
	default:
		e.metricInc(metrics.LoginMFARequired)
		e.emitAudit(ctx, auditRecord{eventType: audit.MFAChallenge, userID: u.ID, err: ErrMfaRequired}, nil)
		return ErrMfaRequired
	}
}

func (e *Engine) checkCaptcha(ctx context.Context, subj loginrisk.Subject, token string) error {
	if e.captcha == nil || token == "" {
		e.metricInc(metrics.LoginCaptchaRequired)
		return ErrCaptchaRequired
	}
	ok, err := e.captcha.VerifyCaptcha(ctx, token, subj.IP)
	if err != nil {
		return fmt.Errorf("verify captcha: %w", err)
	}
	if !ok {
		e.metricInc(metrics.LoginCaptchaRequired)
		if _, err := e.risk.RecordFailure(ctx, subj); err != nil {
			e.log.Warn("record captcha failure", logkey.Tenant(subj.TenantID), zap.Error(err))
		}
		return ErrCaptchaRequired
	}
	return nil
}

// loginFailed counts a failed attempt and returns the uniform error.
func (e *Engine) loginFailed(ctx context.Context, subj loginrisk.Subject, userID, reason string) error {
	e.metricInc(metrics.LoginFailure)
	e.log.Info("login failed",
		logkey.Tenant(subj.TenantID), logkey.Subject(subj.Identity), zap.String("reason", reason))

	st, err := e.risk.RecordFailure(ctx, subj)
	if err != nil {
		e.log.Warn("record login failure", logkey.Tenant(subj.TenantID), zap.Error(err))
	}
	e.emitAudit(ctx, auditRecord{eventType: audit.LoginFailure, userID: userID, err: ErrInvalidCredentials},
		func() map[string]string {
			return map[string]string{
				"reason":   reason,
				"identity": logkey.Hash(subj.Identity),
				"failures": fmt.Sprint(st.Failures),
			}
		})
	if st.LockedUntil.After(e.now()) {
		e.emitAudit(ctx, auditRecord{eventType: audit.AccountLocked, userID: userID, err: ErrAccountLocked},
			func() map[string]string {
				return map[string]string{
					"identity":  logkey.Hash(subj.Identity),
					"locked_to": st.LockedUntil.UTC().Format(time.RFC3339),
				}
			})
	}
	return ErrInvalidCredentials
}

func (e *Engine) loginRiskError(ctx context.Context, subj loginrisk.Subject, err error) error {
	var re *loginrisk.RetryError
	if !errors.As(err, &re) {
		return fmt.Errorf("check login risk: %w", err)
	}
	if errors.Is(err, loginrisk.ErrLocked) {
		e.metricInc(metrics.LoginLocked)
		return &RetryError{Err: ErrAccountLocked, RetryAfter: re.RetryAfter}
	}
	e.metricInc(metrics.LoginThrottled)
	e.metricInc(metrics.RateLimitHit)
	e.emitAudit(ctx, auditRecord{eventType: audit.LoginThrottled, err: ErrRateLimited},
		func() map[string]string {
			return map[string]string{
				"identity":    logkey.Hash(subj.Identity),
				"retry_after": re.RetryAfter.String(),
			}
		})
	return &RetryError{Err: ErrRateLimited, RetryAfter: re.RetryAfter}
}

// Refresh rotates a refresh token within its family.
//
// A retired jti presented again revokes the whole family. Two concurrent
// refreshes with the same live token can both pass the jti check before
// either marks it rotated; the first later replay of either retired jti
// still revokes the family.
func (e *Engine) Refresh(ctx context.Context, token string) (sess *Session, err error) {
	defer func() {
		if err != nil {
			e.metricInc(metrics.RefreshFailure)
		}
	}()
	scope, ok := ScopeFromContext(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	tenantID := scope.Tenant.ID

	claims, err := e.tokens.Verify(token, jwt.AudienceRefresh)
	if err != nil || claims.FamilyID == "" {
		return nil, ErrInvalidCredentials
	}
	if claims.TenantID != tenantID {
		e.rejectCrossTenant(ctx, "refresh", claims)
		return nil, ErrCrossTenant
	}

	familyRevoked, err := e.revocations.IsFamilyRevoked(ctx, tenantID, claims.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("check family: %w", err)
	}
	if familyRevoked {
		return nil, ErrInvalidCredentials
	}

	rotated, err := e.revocations.IsTokenRevoked(ctx, tenantID, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check jti: %w", err)
	}
	if rotated {
		return nil, e.revokeFamily(ctx, claims)
	}

	u, err := e.currentUser(ctx, tenantID, claims)
	if err != nil {
		return nil, err
	}

	// Retire the presented jti before the replacement exists.
	if err := e.revocations.RevokeToken(ctx, revocation.Entry{
		TenantID:  tenantID,
		UserID:    u.ID,
		ID:        claims.ID,
		ExpiresAt: expiry(claims, e.now().Add(e.tokens.RefreshTTL())),
	}); err != nil {
		return nil, fmt.Errorf("retire refresh token: %w", err)
	}

	sess, err = e.issueSession(u, claims.FamilyID)
	if err != nil {
		return nil, err
	}
	e.metricInc(metrics.RefreshSuccess)
	e.emitAudit(ctx, auditRecord{eventType: audit.RefreshSuccess, userID: u.ID, success: true},
		func() map[string]string { return map[string]string{"family": claims.FamilyID} })
	return sess, nil
}

// revokeFamily handles replay of a retired refresh token. The family entry
// outlives every descendant: none can expire later than a full refresh TTL
// from now. The configured ceiling caps it.
func (e *Engine) revokeFamily(ctx context.Context, claims *jwt.Claims) error {
	now := e.now()
	ttl := e.tokens.RefreshTTL()
	if ceiling := e.config.Revocation.FamilyTTLCeiling; ceiling > 0 && ceiling < ttl {
		ttl = ceiling
	}
	err := e.revocations.RevokeFamily(ctx, revocation.Entry{
		TenantID:  claims.TenantID,
		UserID:    claims.Subject,
		ID:        claims.FamilyID,
		ExpiresAt: now.Add(ttl),
	})

	e.metricInc(metrics.RefreshReuseDetected)
	e.log.Warn("refresh token reuse detected",
		logkey.Tenant(claims.TenantID), logkey.Subject(claims.Subject),
		zap.String("family", claims.FamilyID), zap.Error(err))
	e.emitAudit(ctx, auditRecord{eventType: audit.RefreshReuseDetected, userID: claims.Subject, err: ErrTokenReuseDetected},
		func() map[string]string { return map[string]string{"family": claims.FamilyID} })
	if err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	e.metricInc(metrics.FamilyRevoked)
	e.emitAudit(ctx, auditRecord{eventType: audit.FamilyRevoked, userID: claims.Subject, success: true},
		func() map[string]string { return map[string]string{"family": claims.FamilyID} })
	return ErrTokenReuseDetected
}

// Logout retires one refresh token. Tokens that do not verify are ignored.
func (e *Engine) Logout(ctx context.Context, token string) error {
	scope, ok := ScopeFromContext(ctx)
	if !ok {
		return ErrNoScope
	}
	claims, err := e.tokens.Verify(token, jwt.AudienceRefresh)
	if err != nil {
		return nil
	}
	if claims.TenantID != scope.Tenant.ID {
		e.rejectCrossTenant(ctx, "logout", claims)
		return ErrCrossTenant
	}
	if err := e.revocations.RevokeToken(ctx, revocation.Entry{
		TenantID:  claims.TenantID,
		UserID:    claims.Subject,
		ID:        claims.ID,
		ExpiresAt: expiry(claims, e.now().Add(e.tokens.RefreshTTL())),
	}); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	e.metricInc(metrics.Logout)
	e.emitAudit(ctx, auditRecord{eventType: audit.Logout, userID: claims.Subject, success: true}, nil)
	e.sweepTenant(ctx, claims.TenantID)
	return nil
}

// RevokeAccess blacklists the access token p was authenticated with.
// Impersonation tokens have no user row behind them and stay in process.
func (e *Engine) RevokeAccess(ctx context.Context, p *Principal) error {
	if p == nil || p.TokenID == "" {
		return nil
	}
	return e.revocations.RevokeToken(ctx, revocation.Entry{
		TenantID:  p.TenantID,
		UserID:    p.UserID,
		ID:        p.TokenID,
		ExpiresAt: p.ExpiresAt,
		Ephemeral: p.Impersonation,
	})
}

// sweepTenant prunes expired revocations for one tenant at most once per
// debounce window, off the request path.
func (e *Engine) sweepTenant(ctx context.Context, tenantID string) {
	rc := e.config.Revocation
	if rc.TenantDebounce <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if rc.SweepTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rc.SweepTimeout)
			defer cancel()
		}
		if _, err := e.revocations.MaybeSweep(ctx, tenantID, rc.TenantDebounce); err != nil {
			e.log.Warn("tenant revocation sweep", logkey.Tenant(tenantID), zap.Error(err))
		}
	}()
}

func expiry(claims *jwt.Claims, fallback time.Time) time.Time {
	if claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return fallback
}
