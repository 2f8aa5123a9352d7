package mfa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type versions struct{ v map[string]uint32 }

func (v *versions) BumpTokenVersion(_ context.Context, tenantID, userID string) (uint32, error) {
	v.v[tenantID+userID]++
	return v.v[tenantID+userID], nil
}

func newTestService(t *testing.T, cache func(*clock) Cache) (*Service, *clock, *versions) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_010, 0)}
	sealer, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	vs := &versions{v: map[string]uint32{}}
	svc, err := NewService(DefaultConfig(), NewMemoryStore(vs), cache(c), sealer, WithClock(c.Now))
	require.NoError(t, err)
	return svc, c, vs
}

func memoryCache(c *clock) Cache { return NewMemoryCache(c.Now) }

func codeFor(t *testing.T, enc string, at time.Time) string {
	t.Helper()
	raw, err := DecodeSecret(enc)
	require.NoError(t, err)
	code, err := DefaultTOTP("x").Code(raw, at)
	require.NoError(t, err)
	return code
}

func TestEnrollmentIsTwoPhase(t *testing.T) {
	svc, c, vs := newTestService(t, memoryCache)
	ctx := context.Background()

	_, err := svc.Confirm(ctx, "t1", "u1", "123456")
	require.ErrorIs(t, err, ErrNoPendingEnrollment)

	enr, err := svc.Setup(ctx, "t1", "u1", "ann@acme.io")
	require.NoError(t, err)
	require.NotEmpty(t, enr.URI)

	err = svc.VerifyCode(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.ErrorIs(t, err, ErrNotEnrolled, "pending secrets are not usable for login")

	_, err = svc.Confirm(ctx, "t1", "u1", "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	conf, err := svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)
	require.Len(t, conf.RecoveryCodes, 8)
	require.Equal(t, uint32(1), conf.TokenVersion)
	require.Equal(t, uint32(1), vs.v["t1u1"])

	required, err := svc.Required(ctx, "t1", "u1", false)
	require.NoError(t, err)
	require.True(t, required, "recently confirmed secret bridges a stale enabled flag")

	c.Advance(30 * time.Second)
	require.NoError(t, svc.VerifyCode(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now())))

	_, err = svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.ErrorIs(t, err, ErrNoPendingEnrollment)
}

func TestReplayedCodeIsRejected(t *testing.T) {
	svc, c, _ := newTestService(t, memoryCache)
	ctx := context.Background()
	enr, err := svc.Setup(ctx, "t1", "u1", "a")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	code := codeFor(t, enr.Secret, c.Now())
	require.NoError(t, svc.VerifyCode(ctx, "t1", "u1", code))
	require.ErrorIs(t, svc.VerifyCode(ctx, "t1", "u1", code), ErrInvalidCode)
}

func TestRecoveryCodesAreSingleUseAndReplacedOnReenroll(t *testing.T) {
	svc, c, _ := newTestService(t, memoryCache)
	ctx := context.Background()
	enr, _ := svc.Setup(ctx, "t1", "u1", "a")
	conf, err := svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)

	require.NoError(t, svc.ConsumeRecoveryCode(ctx, "t1", "u1", conf.RecoveryCodes[0]))
	require.ErrorIs(t, svc.ConsumeRecoveryCode(ctx, "t1", "u1", conf.RecoveryCodes[0]), ErrInvalidCode)
	require.ErrorIs(t, svc.ConsumeRecoveryCode(ctx, "t2", "u1", conf.RecoveryCodes[1]), ErrInvalidCode)

	c.Advance(2 * time.Minute)
	enr, _ = svc.Setup(ctx, "t1", "u1", "a")
	conf2, err := svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)
	require.ErrorIs(t, svc.ConsumeRecoveryCode(ctx, "t1", "u1", conf.RecoveryCodes[1]), ErrInvalidCode, "old codes are replaced")
	require.NoError(t, svc.ConsumeRecoveryCode(ctx, "t1", "u1", conf2.RecoveryCodes[1]))
}

func TestReauthFreshnessWindow(t *testing.T) {
	for name, cache := range map[string]func(*clock) Cache{
		"memory": memoryCache,
		"redis": func(c *clock) Cache {
			mr := miniredis.NewMiniRedis()
			require.NoError(t, mr.Start())
			t.Cleanup(mr.Close)
			return &fastForwardCache{RedisCache: NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr: mr, clock: c}
		},
	} {
		t.Run(name, func(t *testing.T) {
			svc, c, _ := newTestService(t, cache)
			ctx := context.Background()
			enr, _ := svc.Setup(ctx, "t1", "u1", "a")
			_, err := svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
			require.NoError(t, err)

			fresh, err := svc.IsFresh(ctx, "t1", "u1")
			require.NoError(t, err)
			require.False(t, fresh)

			advance(svc, c, 30*time.Second)
			require.NoError(t, svc.Reauth(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now())))
			fresh, err = svc.IsFresh(ctx, "t1", "u1")
			require.NoError(t, err)
			require.True(t, fresh)

			advance(svc, c, 5*time.Minute)
			fresh, err = svc.IsFresh(ctx, "t1", "u1")
			require.NoError(t, err)
			require.False(t, fresh, "freshness expires after FreshTTL")
		})
	}
}

// fastForwardCache keeps miniredis TTLs in step with the test clock.
type fastForwardCache struct {
	*RedisCache
	mr    *miniredis.Miniredis
	clock *clock
}

func advance(svc *Service, c *clock, d time.Duration) {
	c.Advance(d)
	if ff, ok := svc.cache.(*fastForwardCache); ok {
		ff.mr.FastForward(d)
	}
}

func TestReauthAcceptsAllDigitRecoveryCode(t *testing.T) {
	svc, c, _ := newTestService(t, memoryCache)
	ctx := context.Background()
	enr, _ := svc.Setup(ctx, "t1", "u1", "a")
	_, err := svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)

	sealed, err := svc.store.Secret(ctx, "t1", "u1")
	require.NoError(t, err)
	_, err = svc.store.Enable(ctx, "t1", "u1", sealed, [][]byte{RecoveryCodeHash("t1", "u1", "2345678923")})
	require.NoError(t, err)

	require.NoError(t, svc.Reauth(ctx, "t1", "u1", "2345678923"))
	fresh, err := svc.IsFresh(ctx, "t1", "u1")
	require.NoError(t, err)
	require.True(t, fresh)
}

type flakyStore struct {
	Store
	failEnable bool
}

func (f *flakyStore) Enable(ctx context.Context, tenantID, userID string, sealed []byte, codeHashes [][]byte) (uint32, error) {
	if f.failEnable {
		f.failEnable = false
		return 0, errors.New("connection reset")
	}
	return f.Store.Enable(ctx, tenantID, userID, sealed, codeHashes)
}

func TestFailedEnableLeavesCodeUsable(t *testing.T) {
	svc, c, _ := newTestService(t, memoryCache)
	store := &flakyStore{Store: svc.store, failEnable: true}
	svc.store = store
	ctx := context.Background()

	enr, err := svc.Setup(ctx, "t1", "u1", "a")
	require.NoError(t, err)
	code := codeFor(t, enr.Secret, c.Now())

	_, err = svc.Confirm(ctx, "t1", "u1", code)
	require.ErrorContains(t, err, "enable mfa")

	conf, err := svc.Confirm(ctx, "t1", "u1", code)
	require.NoError(t, err, "the same code retries the enrollment")
	require.Len(t, conf.RecoveryCodes, 8)
	require.ErrorIs(t, svc.VerifyCode(ctx, "t1", "u1", code), ErrInvalidCode, "the step is claimed once enabled")
}

func newFallbackCache(t *testing.T, c *clock) (*FallbackCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return &FallbackCache{Primary: NewRedisCache(client), Secondary: NewMemoryCache(c.Now)}, mr
}

func TestFallbackCacheServesWhileRedisIsDown(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_010, 0)}
	cache, mr := newFallbackCache(t, c)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	require.True(t, mr.Exists("k"))

	mr.Close()
	v, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)

	require.NoError(t, cache.Set(ctx, "fresh", []byte{1}, time.Minute))
	v, ok, err = cache.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1}, v)

	stored, err := cache.SetNX(ctx, "step", []byte{1}, time.Minute)
	require.NoError(t, err)
	require.True(t, stored)
	stored, err = cache.SetNX(ctx, "step", []byte{1}, time.Minute)
	require.NoError(t, err)
	require.False(t, stored)

	require.NoError(t, cache.Delete(ctx, "fresh"))
	_, ok, err = cache.Get(ctx, "fresh")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mr.Restart())
	stored, err = cache.SetNX(ctx, "step", []byte{1}, time.Minute)
	require.NoError(t, err)
	require.False(t, stored, "steps claimed during the outage stay claimed after recovery")
}

func TestServiceWithRedisDown(t *testing.T) {
	var mr *miniredis.Miniredis
	svc, c, _ := newTestService(t, func(c *clock) Cache {
		var cache *FallbackCache
		cache, mr = newFallbackCache(t, c)
		return cache
	})
	ctx := context.Background()
	mr.Close()

	required, err := svc.Required(ctx, "t1", "u1", false)
	require.NoError(t, err)
	require.False(t, required)

	enr, err := svc.Setup(ctx, "t1", "u1", "a")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "t1", "u1", codeFor(t, enr.Secret, c.Now()))
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	code := codeFor(t, enr.Secret, c.Now())
	require.NoError(t, svc.Reauth(ctx, "t1", "u1", code))
	fresh, err := svc.IsFresh(ctx, "t1", "u1")
	require.NoError(t, err)
	require.True(t, fresh)
	require.ErrorIs(t, svc.VerifyCode(ctx, "t1", "u1", code), ErrInvalidCode, "replay guard holds without redis")
}
