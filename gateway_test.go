package tenantauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/tenancy"
)

func TestTokenFromOtherTenantIsRejected(t *testing.T) {
	h := newHarness(t)
	s := h.login(h.bind("t1"), "alice@acme.test")

	// t2 also has a user u1; the tenant check comes first.
	_, err := h.e.Authenticate(h.bind("t2"), s.AccessToken)
	require.ErrorIs(t, err, ErrCrossTenant)
	require.EqualValues(t, 1, h.e.MetricsSnapshot().Counters[metrics.CrossTenantRejected])
	ev := h.expectEvent(audit.CrossTenantViolation)
	require.Equal(t, "t2", ev.TenantID)
}

func TestAuthenticateRequiresScope(t *testing.T) {
	h := newHarness(t)
	s := h.login(h.bind("t1"), "alice@acme.test")
	_, err := h.e.Authenticate(context.Background(), s.AccessToken)
	require.ErrorIs(t, err, ErrNoScope)
}

func TestAuthenticateRejectsExpiredAndForged(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	s := h.login(ctx, "alice@acme.test")

	_, err := h.e.Authenticate(ctx, s.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidCredentials, "refresh tokens are not access tokens")
	_, err = h.e.Authenticate(ctx, s.AccessToken+"x")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	h.clock.Advance(16 * time.Minute)
	_, err = h.e.Authenticate(ctx, s.AccessToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.EqualValues(t, 3, h.e.MetricsSnapshot().Counters[metrics.AuthenticateFailure])
}

func TestAuthorizeRoleOrder(t *testing.T) {
	h := newHarness(t)
	editor := &Principal{Role: identity.RoleEditor}

	require.NoError(t, h.e.Authorize(editor))
	require.NoError(t, h.e.Authorize(editor, identity.RoleViewer))
	require.NoError(t, h.e.Authorize(editor, identity.RoleEditor))
	require.NoError(t, h.e.Authorize(editor, identity.RoleAdmin, identity.RoleEditor))
	require.ErrorIs(t, h.e.Authorize(editor, identity.RoleAdmin), ErrForbidden)
	require.ErrorIs(t, h.e.Authorize(nil, identity.RoleViewer), ErrInvalidCredentials)

	require.ErrorIs(t, h.e.RequirePlatformAdmin(editor), ErrForbidden)
	require.NoError(t, h.e.RequirePlatformAdmin(&Principal{PlatformAdmin: true}))
}

func TestStepUpFreshnessWindow(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	s0 := h.login(ctx, "alice@acme.test")
	secret, conf := h.enroll(ctx, h.principal(ctx, s0))

	_, err := h.e.Authenticate(ctx, s0.AccessToken)
	require.ErrorIs(t, err, ErrInvalidCredentials, "enabling mfa ends earlier sessions")

	p := h.principal(ctx, conf.Session)
	require.True(t, p.MFAEnabled)

	const next = "a brand new passphrase"
	_, err = h.e.ChangePassword(ctx, p, testPassword, next)
	require.ErrorIs(t, err, ErrMfaFreshnessRequired)
	require.Equal(t, "mfa_freshness_required", Code(err))

	h.clock.Advance(31 * time.Second)
	require.NoError(t, h.e.ReauthMFA(ctx, p, h.code(secret)))
	s1, err := h.e.ChangePassword(ctx, p, testPassword, next)
	require.NoError(t, err)

	_, err = h.e.Authenticate(ctx, conf.Session.AccessToken)
	require.ErrorIs(t, err, ErrInvalidCredentials, "password change ends earlier sessions")

	h.clock.Advance(h.e.Config().MFA.FreshTTL + time.Second)
	p1 := h.principal(ctx, s1)
	_, err = h.e.ChangePassword(ctx, p1, next, "yet another passphrase")
	require.ErrorIs(t, err, ErrMfaFreshnessRequired)
}

func TestReauthWrongCodeCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	secret, conf := h.enroll(ctx, h.principal(ctx, h.login(ctx, "alice@acme.test")))
	p := h.principal(ctx, conf.Session)

	h.clock.Advance(31 * time.Second)
	err := h.e.ReauthMFA(ctx, p, wrongCode(h.code(secret)))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	err = h.e.ReauthMFA(ctx, p, h.code(secret))
	require.ErrorIs(t, err, ErrRateLimited, "backoff applies to reauth as well")
}

func TestConfirmWithoutSetup(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	p := h.principal(ctx, h.login(ctx, "alice@acme.test"))
	_, err := h.e.ConfirmMFA(ctx, p, "123456")
	require.ErrorIs(t, err, ErrMfaNotPending)
}

func TestSensitiveActionsWithoutEnrollment(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.MFA.RequireEnrollmentForSensitive = true }))
	ctx := h.bind("t1")
	p := h.principal(ctx, h.login(ctx, "alice@acme.test"))

	_, err := h.e.ChangePassword(ctx, p, testPassword, "a brand new passphrase")
	require.ErrorIs(t, err, ErrMfaRequired)
}

func TestChangeRole(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	alice := h.login(ctx, "alice@acme.test")
	bob := h.principal(ctx, h.login(ctx, "bob@acme.test"))

	require.ErrorIs(t, h.e.ChangeRole(ctx, h.principal(ctx, alice), "u2", identity.RoleViewer), ErrForbidden)
	require.ErrorIs(t, h.e.ChangeRole(ctx, bob, "u2", identity.RoleEditor), ErrForbidden, "admins cannot demote themselves")
	require.ErrorIs(t, h.e.ChangeRole(ctx, bob, "missing", identity.RoleViewer), ErrInvalidRequest)

	require.NoError(t, h.e.ChangeRole(ctx, bob, "u1", identity.RoleViewer))
	_, err := h.e.Authenticate(ctx, alice.AccessToken)
	require.ErrorIs(t, err, ErrInvalidCredentials, "role change bumps the token version")

	u, err := h.users.ByID(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, identity.RoleViewer, u.Role)
	ev := h.expectEvent(audit.RoleChanged)
	require.Equal(t, "u2", ev.ActorID)
	require.Equal(t, "EDITOR", ev.Metadata["from"])
}

func TestImpersonationLifecycle(t *testing.T) {
	h := newHarness(t)
	pctx := h.bind("platform")
	admin := h.principal(pctx, h.login(pctx, "root@platform.test"))

	alice := h.principal(h.bind("t1"), h.login(h.bind("t1"), "alice@acme.test"))
	_, err := h.e.Impersonate(h.bind("t1"), alice, "t2", tenancy.ScopeReadOnly)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.e.Impersonate(pctx, admin, "t4", tenancy.ScopeReadOnly)
	require.ErrorIs(t, err, ErrTenantSuspended)

	imp, err := h.e.Impersonate(pctx, admin, "t1", tenancy.ScopeReadOnly)
	require.NoError(t, err)
	require.Equal(t, "p1", imp.Grant.ActorID)

	// The grant pins the tenant; headers are not consulted.
	res, err := h.e.ResolveTenant(context.Background(), ResolveInput{Bearer: imp.Token, Host: "globex.example.com"})
	require.NoError(t, err)
	require.Equal(t, "t1", res.Tenant.ID)
	require.NotNil(t, res.Grant)

	ctx := h.bind("t1")
	p, err := h.e.Authenticate(ctx, imp.Token)
	require.NoError(t, err)
	require.True(t, p.Impersonation)
	require.Equal(t, "p1", p.UserID)
	require.Equal(t, identity.RoleViewer, p.Role)
	require.NoError(t, h.e.Authorize(p, identity.RoleViewer))
	require.ErrorIs(t, h.e.Authorize(p, identity.RoleEditor), ErrForbidden)
	require.ErrorIs(t, h.e.RequirePlatformAdmin(p), ErrForbidden)
	require.ErrorIs(t, h.e.RequireFreshMFA(ctx, p), ErrForbidden)

	view, err := h.e.Me(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "VIEWER", view.Role)

	_, err = h.e.Authenticate(h.bind("t2"), imp.Token)
	require.ErrorIs(t, err, ErrCrossTenant)

	require.NoError(t, h.e.RevokeImpersonation(pctx, admin, imp.Grant.ID))
	_, err = h.e.Authenticate(ctx, imp.Token)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	res, err = h.e.ResolveTenant(context.Background(), ResolveInput{Bearer: imp.Token, Host: "globex.example.com"})
	require.NoError(t, err)
	require.Equal(t, "t2", res.Tenant.ID, "a dead grant no longer pins the tenant")
	require.Nil(t, res.Grant)

	require.ErrorIs(t, h.e.RevokeImpersonation(pctx, admin, "missing"), ErrInvalidRequest)
	h.expectEvent(audit.ImpersonationStarted)
}

func TestRevokeImpersonationAccessStaysInProcess(t *testing.T) {
	h := newHarness(t)
	pctx := h.bind("platform")
	admin := h.principal(pctx, h.login(pctx, "root@platform.test"))
	imp, err := h.e.Impersonate(pctx, admin, "t1", tenancy.ScopeFullTenantAdmin)
	require.NoError(t, err)

	ctx := h.bind("t1")
	p, err := h.e.Authenticate(ctx, imp.Token)
	require.NoError(t, err)
	require.Equal(t, identity.RoleAdmin, p.Role)

	require.NoError(t, h.e.RevokeAccess(ctx, p))
	_, err = h.e.Authenticate(ctx, imp.Token)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	ctx := h.bind("t1")
	p := h.principal(ctx, h.login(ctx, "bob@acme.test"))
	view, err := h.e.Me(ctx, p)
	require.NoError(t, err)
	require.Equal(t, UserView{ID: "u2", TenantID: "t1", Email: "bob@acme.test", Role: "ADMIN"}, view)
}
