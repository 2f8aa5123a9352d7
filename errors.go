package tenantauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers every authentication failure the caller
	// must not be able to tell apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCrossTenant is returned when a token's tenant differs from the
	// tenant the request resolved to.
	ErrCrossTenant = errors.New("cross-tenant violation")
	// ErrForbidden is returned for an insufficient role or a platform-only
	// operation attempted by a tenant principal.
	ErrForbidden            = errors.New("forbidden")
	ErrAccountLocked        = errors.New("account locked")
	ErrRateLimited          = errors.New("rate limited")
	ErrCaptchaRequired      = errors.New("captcha required")
	ErrMfaRequired          = errors.New("mfa required")
	ErrMfaFreshnessRequired = errors.New("mfa freshness required")
	ErrMfaNotPending        = errors.New("no pending mfa enrollment")
	ErrPasswordPolicy       = errors.New("password policy violation")
	ErrInvalidRequest       = errors.New("invalid request")

	// ErrTokenReuseDetected is returned when a rotated refresh token is
	// presented again. It matches ErrInvalidCredentials so callers report
	// it exactly like any other rejected token.
	ErrTokenReuseDetected = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidCredentials)

	ErrTenantUnresolved  = errors.New("tenant unresolved")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantSuspended   = errors.New("tenant suspended")
	ErrTenantUnavailable = errors.New("tenant datastore unavailable")
	ErrNoScope           = errors.New("no tenant scope bound to context")
)

// RetryError carries a Retry-After hint. It unwraps to ErrAccountLocked,
// ErrRateLimited or ErrTenantUnavailable.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter extracts the hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// Code is the stable, client-facing identifier for err. Anything unknown is
// internal_error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCrossTenant):
		return "cross_tenant_violation"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCaptchaRequired):
		return "captcha_required"
	case errors.Is(err, ErrMfaRequired):
		return "mfa_required"
	case errors.Is(err, ErrMfaFreshnessRequired):
		return "mfa_freshness_required"
	case errors.Is(err, ErrMfaNotPending):
		return "mfa_not_pending"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTenantUnresolved):
		return "tenant_unresolved"
	case errors.Is(err, ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, ErrTenantSuspended):
		return "tenant_suspended"
	case errors.Is(err, ErrTenantUnavailable):
		return "DEDICATED_DB_UNAVAILABLE"
	default:
		return "internal_error"
	}
}
