package tenantauth

import (
	"context"
	"time"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/tenancy"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID        string
	TenantID      string
	Role          identity.Role
	TokenVersion  uint32
	PlatformAdmin bool
	MFAEnabled    bool

	// Set for tokens minted from an impersonation grant. UserID then holds
	// the impersonating platform admin.
	Impersonation bool
	GrantID       string
	Scope         tenancy.Scope

	TokenID   string
	ExpiresAt time.Time
}

// UserView is the public projection of a user returned to clients.
type UserView struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	PlatformAdmin bool   `json:"platformAdmin,omitempty"`
	MFAEnabled    bool   `json:"mfaEnabled"`
}

func viewOf(u *identity.User) UserView {
	return UserView{
		ID:            u.ID,
		TenantID:      u.TenantID,
		Email:         u.Email,
		Role:          u.Role.String(),
		PlatformAdmin: u.PlatformAdmin,
		MFAEnabled:    u.MFAEnabled,
	}
}

// Session is the token set handed to a client after login, refresh or any
// flow that bumps the token version for the caller.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	CSRFToken        string
	FamilyID         string
	User             UserView
}

// LoginRequest is the body of a login attempt. At most one of TOTP and
// RecoveryCode is used; TOTP wins when both are set.
type LoginRequest struct {
	Email        string
	Password     string
	TOTP         string
	RecoveryCode string
	Captcha      string
}

// ResolveInput carries the request attributes tenant resolution looks at.
type ResolveInput struct {
	Bearer string
	APIKey string
	Origin string
	Host   string
	Path   string
}

// Resolution is the outcome of ResolveTenant.
type Resolution struct {
	Tenant tenancy.Tenant
	// Grant is set when an impersonation token pinned the tenant.
	Grant *tenancy.Grant
}

// CaptchaVerifier checks a captcha response token.
type CaptchaVerifier interface {
	VerifyCaptcha(ctx context.Context, token, ip string) (bool, error)
}

// CaptchaFunc adapts a function to CaptchaVerifier.
type CaptchaFunc func(ctx context.Context, token, ip string) (bool, error)

func (f CaptchaFunc) VerifyCaptcha(ctx context.Context, token, ip string) (bool, error) {
	return f(ctx, token, ip)
}

// MFAConfirmation is returned once enrollment completes. Enabling MFA bumps
// the token version, so the caller gets a fresh session.
type MFAConfirmation struct {
	RecoveryCodes []string
	Session       *Session
}

// Impersonation is a freshly issued impersonation token.
type Impersonation struct {
	Token     string
	ExpiresAt time.Time
	Grant     tenancy.Grant
}
