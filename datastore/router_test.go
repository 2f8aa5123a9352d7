package datastore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePool struct {
	DB
	mu     sync.Mutex
	down   bool
	block  bool
	pings  atomic.Int32
	closed bool
}

func (p *fakePool) setDown(v bool) {
	p.mu.Lock()
	p.down = v
	p.mu.Unlock()
}

func (p *fakePool) Ping(ctx context.Context) error {
	p.pings.Add(1)
	p.mu.Lock()
	down, block := p.down, p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakePool) Close() { p.closed = true }

type sharedDB struct{ DB }

func newTestRouter(c *clock, pools map[string]*fakePool, audit AuditFunc) *Router {
	cfg := DefaultConfig()
	cfg.Now = c.Now
	cfg.Audit = audit
	open := func(_ context.Context, addr string) (Pool, error) {
		p, ok := pools[addr]
		if !ok {
			return nil, errors.New("unknown address")
		}
		return p, nil
	}
	return NewRouter(sharedDB{}, open, cfg)
}

func TestSharedTenantUsesSharedStore(t *testing.T) {
	r := newTestRouter(newClock(), nil, nil)
	h, err := r.Route(context.Background(), Target{TenantID: "t1"})
	require.NoError(t, err)
	require.False(t, h.Dedicated)
	require.IsType(t, sharedDB{}, h.DB)
}

func TestDedicatedStoreFailureIsIsolated(t *testing.T) {
	c := newClock()
	bad := &fakePool{down: true}
	good := &fakePool{}
	r := newTestRouter(c, map[string]*fakePool{"db-bad": bad, "db-good": good}, nil)
	ctx := context.Background()

	_, err := r.Route(ctx, Target{TenantID: "t1", Dedicated: true, Address: "db-bad"})
	require.ErrorIs(t, err, ErrUnavailable)
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, 10*time.Second, ue.RetryAfter)

	_, err = r.Route(ctx, Target{TenantID: "t1", Dedicated: true, Address: "db-bad"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(1), bad.pings.Load(), "open breaker must not probe")

	h, err := r.Route(ctx, Target{TenantID: "t2", Dedicated: true, Address: "db-good"})
	require.NoError(t, err)
	require.True(t, h.Dedicated)
	require.Equal(t, "db-good", h.Address)

	_, err = r.Route(ctx, Target{TenantID: "t3"})
	require.NoError(t, err)

	bad.setDown(false)
	c.Advance(10 * time.Second)
	_, err = r.Route(ctx, Target{TenantID: "t1", Dedicated: true, Address: "db-bad"})
	require.NoError(t, err, "trial probe closes the breaker after recovery")
	require.Equal(t, Closed, r.Breakers().Get("db-bad").State())

	r.Close()
	require.True(t, bad.closed)
	require.True(t, good.closed)
}

func TestProbeTimeoutIsIndependentOfRequestDeadline(t *testing.T) {
	c := newClock()
	hung := &fakePool{block: true}
	r := newTestRouter(c, map[string]*fakePool{"db": hung}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	started := time.Now()
	_, err := r.Route(ctx, Target{TenantID: "t1", Dedicated: true, Address: "db"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Less(t, time.Since(started), 5*time.Second)
}

func TestTransitionAuditIsRateLimitedPerTenant(t *testing.T) {
	c := newClock()
	pool := &fakePool{down: true}
	var mu sync.Mutex
	audited := map[string]int{}
	r := newTestRouter(c, map[string]*fakePool{"db": pool}, func(_ context.Context, tenantID string, _ Transition) {
		mu.Lock()
		audited[tenantID]++
		mu.Unlock()
	})
	ctx := context.Background()
	target := Target{TenantID: "t1", Dedicated: true, Address: "db"}

	// closed->open, then open->half_open->open twice within a minute.
	_, _ = r.Route(ctx, target)
	for i := 0; i < 2; i++ {
		c.Advance(10 * time.Second)
		_, _ = r.Route(ctx, target)
	}
	require.Equal(t, 1, audited["t1"])

	c.Advance(time.Minute)
	_, _ = r.Route(ctx, target)
	require.Equal(t, 2, audited["t1"])

	_, _ = r.Route(ctx, Target{TenantID: "t2", Dedicated: true, Address: "db"})
	c.Advance(10 * time.Second)
	_, _ = r.Route(ctx, Target{TenantID: "t2", Dedicated: true, Address: "db"})
	require.Equal(t, 1, audited["t2"], "limits are per tenant")
}

func TestSlowOpenerDoesNotBlockOtherAddresses(t *testing.T) {
	release := make(chan struct{})
	var opens atomic.Int32
	pools := map[string]*fakePool{"db-slow": {}, "db-fast": {}}
	cfg := DefaultConfig()
	cfg.Now = newClock().Now
	r := NewRouter(sharedDB{}, func(_ context.Context, addr string) (Pool, error) {
		if addr == "db-slow" {
			opens.Add(1)
			<-release
		}
		return pools[addr], nil
	}, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Route(ctx, Target{TenantID: "t1", Dedicated: true, Address: "db-slow"})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return opens.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, Target{TenantID: "t2", Dedicated: true, Address: "db-fast"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("routing db-fast waited on the db-slow opener")
	}

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), opens.Load())
}
