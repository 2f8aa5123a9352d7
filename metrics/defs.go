package metrics

// Def describes how an ID is exported.
type Def struct {
	ID   ID
	Name string
	Help string
}

var CounterDefs = []Def{
	{LoginSuccess, "tenantauth_login_success_total", "Successful logins."},
	{LoginFailure, "tenantauth_login_failure_total", "Failed login attempts."},
	{LoginThrottled, "tenantauth_login_throttled_total", "Login attempts rejected by backoff."},
	{LoginLocked, "tenantauth_login_locked_total", "Login attempts rejected by soft lockout."},
	{LoginCaptchaRequired, "tenantauth_login_captcha_required_total", "Login attempts rejected for a missing or failed captcha."},
	{LoginMFARequired, "tenantauth_login_mfa_required_total", "Logins that stopped at the MFA step."},
	{RefreshSuccess, "tenantauth_refresh_success_total", "Successful refresh rotations."},
	{RefreshFailure, "tenantauth_refresh_failure_total", "Failed refresh attempts."},
	{RefreshReuseDetected, "tenantauth_refresh_reuse_detected_total", "Refresh tokens presented after rotation or logout."},
	{FamilyRevoked, "tenantauth_family_revoked_total", "Refresh families revoked."},
	{Logout, "tenantauth_logout_total", "Logouts."},
	{AuthenticateSuccess, "tenantauth_authenticate_success_total", "Authenticated requests."},
	{AuthenticateFailure, "tenantauth_authenticate_failure_total", "Rejected bearer tokens."},
	{CrossTenantRejected, "tenantauth_cross_tenant_rejected_total", "Requests whose token tenant disagreed with the request tenant."},
	{TenantNotFound, "tenantauth_tenant_not_found_total", "Requests for unknown tenants."},
	{TenantSuspended, "tenantauth_tenant_suspended_total", "Requests for suspended tenants."},
	{MFAEnabled, "tenantauth_mfa_enabled_total", "Completed MFA enrollments."},
	{MFAVerifyFailure, "tenantauth_mfa_verify_failure_total", "Rejected TOTP or recovery codes."},
	{MFARecoveryCodeUsed, "tenantauth_mfa_recovery_code_used_total", "Consumed recovery codes."},
	{MFAReauth, "tenantauth_mfa_reauth_total", "Successful step-up re-authentications."},
	{MFAFreshnessRequired, "tenantauth_mfa_freshness_required_total", "Sensitive actions rejected for stale MFA."},
	{PasswordChanged, "tenantauth_password_changed_total", "Password changes."},
	{RoleChanged, "tenantauth_role_changed_total", "Role changes."},
	{ImpersonationStarted, "tenantauth_impersonation_started_total", "Impersonation grants issued."},
	{ImpersonationRevoked, "tenantauth_impersonation_revoked_total", "Impersonation grants revoked."},
	{BreakerOpened, "tenantauth_breaker_opened_total", "Dedicated store breakers that opened."},
	{BreakerHalfOpened, "tenantauth_breaker_half_opened_total", "Dedicated store breakers that admitted a probe."},
	{BreakerClosed, "tenantauth_breaker_closed_total", "Dedicated store breakers that closed."},
	{DedicatedUnavailable, "tenantauth_dedicated_unavailable_total", "Requests rejected because a dedicated store was unavailable."},
	{RevocationTierError, "tenantauth_revocation_tier_error_total", "Revocation tier failures that degraded to the local cache."},
	{RateLimitHit, "tenantauth_http_rate_limited_total", "Requests rejected by the per-IP limiter."},
}

var HistogramDefs = []Def{
	{AuthenticateLatency, "tenantauth_authenticate_latency_seconds", "Bearer authentication latency."},
}

// HistogramBounds are the upper bounds of the buckets, in seconds.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// Cumulative turns raw bucket counts into cumulative counts. The last
// element is the total.
func Cumulative(raw []uint64) [bucketCount]uint64 {
	var out [bucketCount]uint64
	var running uint64
	for i := 0; i < bucketCount; i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
