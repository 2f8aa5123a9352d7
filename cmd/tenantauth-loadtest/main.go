// Command tenantauth-loadtest measures the authenticate and refresh hot paths
// of an engine backed by Redis tiers and in-memory stores.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/tenancy"
)

const loadPassword = "load test passphrase"

// chain is one refresh family; the refresh token advances on every rotation.
type chain struct {
	ctx     context.Context
	mu      sync.Mutex
	access  string
	refresh string
}

func main() {
	var (
		tenantCount = flag.Int("tenants", 20, "number of tenants")
		sessions    = flag.Int("sessions", 2000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *tenantCount <= 0 || *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "tenants, sessions, concurrency and ops must be > 0")
		os.Exit(2)
	}

	client, cleanup, err := redisClient(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	engine, tenants, err := buildEngine(client, *tenantCount, *sessions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("logging in %d sessions across %d tenants...\n", *sessions, *tenantCount)
	start := time.Now()
	chains := make([]*chain, *sessions)
	for i := range chains {
		t := tenants[i%len(tenants)]
		ctx, err := engine.Bind(context.Background(), t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bind %s: %v\n", t.ID, err)
			os.Exit(1)
		}
		ctx = tenantauth.WithClientIP(ctx, fmt.Sprintf("10.0.%d.%d", i/250%250, i%250+1))
		sess, err := engine.Login(ctx, tenantauth.LoginRequest{Email: email(i), Password: loadPassword})
		if err != nil {
			fmt.Fprintf(os.Stderr, "login %d: %v\n", i, err)
			os.Exit(1)
		}
		chains[i] = &chain{ctx: ctx, access: sess.AccessToken, refresh: sess.RefreshToken}
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))

	auth := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		c := chains[r.IntN(len(chains))]
		c.mu.Lock()
		token := c.access
		c.mu.Unlock()
		_, err := engine.Authenticate(c.ctx, token)
		return err
	})
	refresh := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		c := chains[r.IntN(len(chains))]
		c.mu.Lock()
		defer c.mu.Unlock()
		sess, err := engine.Refresh(c.ctx, c.refresh)
		if err != nil {
			return err
		}
		c.access, c.refresh = sess.AccessToken, sess.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("authenticate", auth)
	printStats("refresh", refresh)
}

func redisClient(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func buildEngine(client redis.UniversalClient, tenantCount, sessions int) (*tenantauth.Engine, []tenancy.Tenant, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, nil, err
	}
	cfg := tenantauth.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.MFA.MasterKey = master
	cfg.Audit.Enabled = false
	cfg.Password = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, nil, err
	}
	hash, err := hasher.Hash(loadPassword)
	if err != nil {
		return nil, nil, err
	}

	provider := tenancy.NewMemory()
	tenants := make([]tenancy.Tenant, tenantCount)
	for i := range tenants {
		tenants[i] = tenancy.Tenant{
			ID:     fmt.Sprintf("t%03d", i),
			Slug:   fmt.Sprintf("tenant-%03d", i),
			Hosts:  []string{fmt.Sprintf("tenant-%03d.load.test", i)},
			Status: tenancy.StatusActive,
		}
		provider.Put(tenants[i])
	}
	users := identity.NewMemory()
	for i := 0; i < sessions; i++ {
		users.Put(identity.User{
			TenantID:     tenants[i%tenantCount].ID,
			ID:           fmt.Sprintf("u%06d", i),
			Email:        email(i),
			Role:         identity.RoleEditor,
			PasswordHash: hash,
			TokenVersion: 1,
		})
	}

	engine, err := tenantauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUsers(users).
		WithTenants(provider, provider).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return engine, tenants, nil
}

func email(i int) string { return fmt.Sprintf("user%06d@load.test", i) }

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
}

func runPhase(ops, concurrency int, op func(*mrand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker uint64) {
			defer wg.Done()
			r := mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), worker))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for cursor.Add(1) <= int64(ops) {
				t0 := time.Now()
				if err := op(r); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(uint64(w))
	}
	wg.Wait()
	return summarize(time.Since(start), latencies, failures.Load())
}

func summarize(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	s := phaseStats{total: total, ops: len(samples), failures: failures}
	if len(samples) == 0 {
		return s
	}
	slices.Sort(samples)
	s.p50 = percentile(samples, 50)
	s.p95 = percentile(samples, 95)
	s.p99 = percentile(samples, 99)
	return s
}

func percentile(sorted []time.Duration, p int) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	var perSec float64
	if s.total > 0 {
		perSec = float64(s.ops) / s.total.Seconds()
	}
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name, s.ops, s.failures, s.total.Round(time.Millisecond), perSec,
		s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.p99.Round(time.Microsecond))
}
