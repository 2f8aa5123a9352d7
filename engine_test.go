package tenantauth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/tenancy"
)

const testPassword = "correct horse battery"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubPool struct {
	datastore.DB
	down  atomic.Bool
	pings atomic.Int32
}

func (p *stubPool) Ping(context.Context) error {
	p.pings.Add(1)
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (p *stubPool) Close() {}

type harness struct {
	t       *testing.T
	e       *Engine
	clock   *testClock
	users   *identity.Memory
	tenants *tenancy.Memory
	events  *audit.ChannelSink
	pools   map[string]*stubPool
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	cfg       Config
	wrapUsers func(identity.Store) identity.Store
	redis     redis.UniversalClient
}

func withConfig(fn func(*Config)) harnessOption {
	return func(s *harnessSetup) { fn(&s.cfg) }
}

func withRedis(client redis.UniversalClient) harnessOption {
	return func(s *harnessSetup) { s.redis = client }
}

func testConfig(t *testing.T) Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.MFA.MasterKey = bytes.Repeat([]byte{7}, 32)
	cfg.Password = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Revocation.TenantDebounce = 0
	cfg.Audit.BufferSize = 1024
	return cfg
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	setup := &harnessSetup{cfg: testConfig(t)}
	for _, opt := range opts {
		opt(setup)
	}

	h := &harness{
		t:       t,
		clock:   newTestClock(),
		users:   identity.NewMemory(),
		tenants: tenancy.NewMemory(),
		events:  audit.NewChannelSink(1024),
		pools:   map[string]*stubPool{"db-3": {}},
	}

	hasher, err := password.New(setup.cfg.Password)
	require.NoError(t, err)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)

	h.tenants.Put(tenancy.Tenant{ID: "t1", Slug: "acme", Hosts: []string{"acme.example.com"}, Status: tenancy.StatusActive})
	h.tenants.Put(tenancy.Tenant{ID: "t2", Slug: "globex", Hosts: []string{"globex.example.com"}, Status: tenancy.StatusActive})
	h.tenants.Put(tenancy.Tenant{ID: "t3", Slug: "initech", Hosts: []string{"initech.example.com"}, Status: tenancy.StatusActive, Dedicated: true, StoreAddress: "db-3"})
	h.tenants.Put(tenancy.Tenant{ID: "t4", Slug: "frozen", Hosts: []string{"frozen.example.com"}, Status: tenancy.StatusSuspended})
	h.tenants.Put(tenancy.Tenant{ID: "platform", Slug: "platform", Hosts: []string{"admin.example.com"}, Status: tenancy.StatusActive})

	for _, u := range []identity.User{
		{TenantID: "t1", ID: "u1", Email: "alice@acme.test", Role: identity.RoleEditor},
		{TenantID: "t1", ID: "u2", Email: "bob@acme.test", Role: identity.RoleAdmin},
		{TenantID: "t2", ID: "u1", Email: "alice@globex.test", Role: identity.RoleViewer},
		{TenantID: "t3", ID: "u1", Email: "carol@initech.test", Role: identity.RoleViewer},
		{TenantID: "platform", ID: "p1", Email: "root@platform.test", Role: identity.RoleAdmin, PlatformAdmin: true},
	} {
		u.PasswordHash = hash
		u.TokenVersion = 1
		h.users.Put(u)
	}

	var users identity.Store = h.users
	b := New().
		WithConfig(setup.cfg).
		WithTenants(h.tenants, h.tenants).
		WithLogger(zaptest.NewLogger(t)).
		WithAuditSink(h.events).
		WithClock(h.clock.Now).
		WithCaptcha(CaptchaFunc(func(_ context.Context, token, _ string) (bool, error) {
			return token == "ok", nil
		})).
		WithOpener(func(_ context.Context, addr string) (datastore.Pool, error) {
			p, ok := h.pools[addr]
			if !ok {
				return nil, errors.New("unknown store")
			}
			return p, nil
		})
	if setup.redis != nil {
		b = b.WithRedis(setup.redis)
	}
	if setup.wrapUsers != nil {
		users = setup.wrapUsers(h.users)
		b = b.WithMFAStore(mfa.NewMemoryStore(mfaVersions{h.users}))
	}
	e, err := b.WithUsers(users).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	h.e = e
	return h
}

// mfaVersions marks MFA enabled on the memory user store when a wrapped
// store hides SetMFAEnabled from the builder.
type mfaVersions struct{ users *identity.Memory }

func (v mfaVersions) BumpTokenVersion(ctx context.Context, tenantID, userID string) (uint32, error) {
	return v.users.SetMFAEnabled(ctx, tenantID, userID)
}

func (h *harness) bind(tenantID string) context.Context {
	h.t.Helper()
	tn, err := h.tenants.ByID(context.Background(), tenantID)
	require.NoError(h.t, err)
	ctx, err := h.e.Bind(context.Background(), tn)
	require.NoError(h.t, err)
	return ctx
}

func (h *harness) login(ctx context.Context, email string) *Session {
	h.t.Helper()
	sess, err := h.e.Login(ctx, LoginRequest{Email: email, Password: testPassword})
	require.NoError(h.t, err)
	return sess
}

func (h *harness) principal(ctx context.Context, sess *Session) *Principal {
	h.t.Helper()
	p, err := h.e.Authenticate(ctx, sess.AccessToken)
	require.NoError(h.t, err)
	return p
}

func (h *harness) code(secret string) string {
	h.t.Helper()
	raw, err := mfa.DecodeSecret(secret)
	require.NoError(h.t, err)
	code, err := mfa.DefaultTOTP("x").Code(raw, h.clock.Now())
	require.NoError(h.t, err)
	return code
}

// enroll enables MFA for p and returns the secret and the new session.
func (h *harness) enroll(ctx context.Context, p *Principal) (string, *MFAConfirmation) {
	h.t.Helper()
	enr, err := h.e.SetupMFA(ctx, p)
	require.NoError(h.t, err)
	conf, err := h.e.ConfirmMFA(ctx, p, h.code(enr.Secret))
	require.NoError(h.t, err)
	return enr.Secret, conf
}

func (h *harness) expectEvent(eventType string) audit.Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events.Events():
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("no %s audit event", eventType)
			return audit.Event{}
		}
	}
}

func TestBuildRequiresStores(t *testing.T) {
	_, err := New().WithConfig(testConfig(t)).Build()
	require.Error(t, err)

	b := New().WithConfig(testConfig(t)).WithUsers(identity.NewMemory()).WithTenants(tenancy.NewMemory(), tenancy.NewMemory())
	_, err = b.Build()
	require.NoError(t, err)
	_, err = b.Build()
	require.Error(t, err, "builder is single use")
}

func TestResolveTenantPrecedence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tenants.AddAPIKey("t2", "tk_globex")

	res, err := h.e.ResolveTenant(ctx, ResolveInput{APIKey: "tk_globex", Host: "acme.example.com"})
	require.NoError(t, err)
	require.Equal(t, "t2", res.Tenant.ID, "api key wins over host")

	res, err = h.e.ResolveTenant(ctx, ResolveInput{Origin: "https://globex.example.com", Host: "acme.example.com:443"})
	require.NoError(t, err)
	require.Equal(t, "t2", res.Tenant.ID, "origin wins over host")

	res, err = h.e.ResolveTenant(ctx, ResolveInput{Origin: "https://elsewhere.test", Host: "ACME.example.com"})
	require.NoError(t, err)
	require.Equal(t, "t1", res.Tenant.ID)

	_, err = h.e.ResolveTenant(ctx, ResolveInput{APIKey: "tk_unknown", Host: "acme.example.com"})
	require.ErrorIs(t, err, ErrTenantNotFound)

	_, err = h.e.ResolveTenant(ctx, ResolveInput{Host: "nobody.example.com"})
	require.ErrorIs(t, err, ErrTenantUnresolved)
}

func TestResolveTenantSuspended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.e.ResolveTenant(ctx, ResolveInput{Host: "frozen.example.com", Path: "/login"})
	require.ErrorIs(t, err, ErrTenantSuspended)
	require.Equal(t, "tenant_suspended", Code(err))

	res, err := h.e.ResolveTenant(ctx, ResolveInput{Host: "frozen.example.com", Path: "/healthz"})
	require.NoError(t, err)
	require.Equal(t, "t4", res.Tenant.ID)
	require.EqualValues(t, 1, h.e.MetricsSnapshot().Counters[metrics.TenantSuspended])
}

func TestResolveTenantDevBootstrap(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.Environment = EnvDevelopment
		c.Tenancy.DevBootstrap = DevBootstrapConfig{Enabled: true, Path: "/bootstrap", TenantID: "t1"}
	}))
	ctx := context.Background()

	res, err := h.e.ResolveTenant(ctx, ResolveInput{Path: "/bootstrap"})
	require.NoError(t, err)
	require.Equal(t, "t1", res.Tenant.ID)

	_, err = h.e.ResolveTenant(ctx, ResolveInput{Path: "/bootstrap/extra"})
	require.ErrorIs(t, err, ErrTenantUnresolved)
}

func TestResolveTenantTokenAndHeaderMustAgree(t *testing.T) {
	h := newHarness(t)
	sess := h.login(h.bind("t1"), "alice@acme.test")
	ctx := context.Background()

	res, err := h.e.ResolveTenant(ctx, ResolveInput{Bearer: sess.AccessToken})
	require.NoError(t, err)
	require.Equal(t, "t1", res.Tenant.ID)

	res, err = h.e.ResolveTenant(ctx, ResolveInput{Bearer: sess.AccessToken, Host: "acme.example.com"})
	require.NoError(t, err)
	require.Equal(t, "t1", res.Tenant.ID)

	_, err = h.e.ResolveTenant(ctx, ResolveInput{Bearer: sess.AccessToken, Host: "globex.example.com"})
	require.ErrorIs(t, err, ErrCrossTenant)
	require.Equal(t, "cross_tenant_violation", Code(err))

	res, err = h.e.ResolveTenant(ctx, ResolveInput{Bearer: "garbage", Host: "globex.example.com"})
	require.NoError(t, err, "an unverifiable bearer does not take part in resolution")
	require.Equal(t, "t2", res.Tenant.ID)
}

func TestDedicatedStoreOutageIsIsolated(t *testing.T) {
	h := newHarness(t)
	pool := h.pools["db-3"]
	pool.down.Store(true)

	t3, err := h.tenants.ByID(context.Background(), "t3")
	require.NoError(t, err)

	_, err = h.e.Bind(context.Background(), t3)
	require.ErrorIs(t, err, ErrTenantUnavailable)
	require.Equal(t, "DEDICATED_DB_UNAVAILABLE", Code(err))
	wait, ok := RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, h.e.Config().Datastore.Cooldown, wait)

	_, err = h.e.Bind(context.Background(), t3)
	require.ErrorIs(t, err, ErrTenantUnavailable)
	require.EqualValues(t, 1, pool.pings.Load(), "an open breaker fails fast without probing")
	require.Equal(t, datastore.Open, h.e.BreakerStates()["db-3"])

	// Other tenants are unaffected.
	ctx := h.bind("t1")
	h.login(ctx, "alice@acme.test")

	pool.down.Store(false)
	h.clock.Advance(h.e.Config().Datastore.Cooldown)
	ctx3, err := h.e.Bind(context.Background(), t3)
	require.NoError(t, err)
	scope, ok := ScopeFromContext(ctx3)
	require.True(t, ok)
	require.True(t, scope.Handle.Dedicated)
	require.Equal(t, datastore.Closed, h.e.BreakerStates()["db-3"])

	snap := h.e.MetricsSnapshot()
	require.EqualValues(t, 1, snap.Counters[metrics.BreakerOpened])
	require.EqualValues(t, 1, snap.Counters[metrics.BreakerHalfOpened])
	require.EqualValues(t, 1, snap.Counters[metrics.BreakerClosed])
	require.EqualValues(t, 2, snap.Counters[metrics.DedicatedUnavailable])

	ev := h.expectEvent(audit.DatastoreBreakerState)
	require.Equal(t, "t3", ev.TenantID)
	require.Equal(t, "open", ev.Metadata["to"])
}

func TestErrorCodes(t *testing.T) {
	cases := map[error]string{
		ErrInvalidCredentials: "invalid_credentials",
		ErrTokenReuseDetected: "invalid_credentials",
		ErrCrossTenant:        "cross_tenant_violation",
		&RetryError{Err: ErrAccountLocked, RetryAfter: 1}:     "account_locked",
		&RetryError{Err: ErrRateLimited, RetryAfter: 1}:       "rate_limited",
		&RetryError{Err: ErrTenantUnavailable, RetryAfter: 1}: "DEDICATED_DB_UNAVAILABLE",
		ErrMfaFreshnessRequired:                               "mfa_freshness_required",
		errors.New("pgx: connection reset"):                   "internal_error",
	}
	for err, want := range cases {
		require.Equal(t, want, Code(err), err.Error())
	}
	require.Empty(t, Code(nil))
}
