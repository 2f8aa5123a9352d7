// Package datastore selects the data store a tenant's request runs against
// and health-checks dedicated stores through a per-address circuit breaker
// before traffic is routed to them.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrUnavailable is matched by errors for a dedicated store that failed
// preflight or whose breaker is open.
var ErrUnavailable = errors.New("dedicated datastore unavailable")

// UnavailableError carries the Retry-After hint.
type UnavailableError struct {
	Address    string
	RetryAfter time.Duration
	Cause      error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Address, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrUnavailable, e.Address)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// Pool is a dedicated store connection pool. *pgxpool.Pool satisfies it.
type Pool interface {
	DB
	Ping(ctx context.Context) error
	Close()
}

// Opener creates a pool for a dedicated store address.
type Opener func(ctx context.Context, address string) (Pool, error)

// PgxOpener opens pgx pools from connection strings.
func PgxOpener(maxConns int32) Opener {
	return func(ctx context.Context, address string) (Pool, error) {
		cfg, err := pgxpool.ParseConfig(address)
		if err != nil {
			return nil, err
		}
		if maxConns > 0 {
			cfg.MaxConns = maxConns
		}
		return pgxpool.NewWithConfig(ctx, cfg)
	}
}

// Target describes where a tenant's data lives.
type Target struct {
	TenantID  string
	Dedicated bool
	Address   string
}

// AuditFunc receives rate-limited breaker transition records.
type AuditFunc func(ctx context.Context, tenantID string, t Transition)

// Config configures a Router.
type Config struct {
	// ProbeTimeout bounds each liveness probe independently of the request deadline.
	ProbeTimeout time.Duration
	// Cooldown is how long a tripped breaker fails fast before a trial probe.
	Cooldown time.Duration
	// AuditInterval is the minimum gap between audited transitions per tenant.
	AuditInterval time.Duration

	Logger       *zap.Logger
	Now          func() time.Time
	OnTransition func(Transition)
	Audit        AuditFunc
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:  300 * time.Millisecond,
		Cooldown:      10 * time.Second,
		AuditInterval: time.Minute,
	}
}

// Router routes tenants to the shared store or their dedicated store.
type Router struct {
	shared   DB
	open     Opener
	cfg      Config
	log      *zap.Logger
	breakers *Registry

	mu      sync.RWMutex
	pools   map[string]Pool
	opening singleflight.Group

	auditLimits sync.Map
}

// NewRouter returns a Router over the shared DB.
func NewRouter(shared DB, open Opener, cfg Config) *Router {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 300 * time.Millisecond
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		shared:   shared,
		open:     open,
		cfg:      cfg,
		log:      log,
		breakers: NewRegistry(cfg.Cooldown, cfg.Now),
		pools:    map[string]Pool{},
	}
}

// Breakers exposes the breaker registry.
func (r *Router) Breakers() *Registry { return r.breakers }

// Route returns the handle for t. Dedicated stores are probed first; a
// failed probe or an open breaker yields *UnavailableError.
func (r *Router) Route(ctx context.Context, t Target) (Handle, error) {
	if !t.Dedicated {
		if r.shared == nil {
			return Handle{}, ErrNoHandle
		}
		return Handle{DB: r.shared}, nil
	}
	if t.Address == "" {
		return Handle{}, &UnavailableError{Address: "<unset>", RetryAfter: r.cfg.Cooldown, Cause: errors.New("dedicated tenant without address")}
	}

	b := r.breakers.Get(t.Address)
	ticket, wait, tr, ok := b.Acquire()
	r.observe(ctx, t.TenantID, tr)
	if !ok {
		return Handle{}, &UnavailableError{Address: t.Address, RetryAfter: wait}
	}

	pool, err := r.pool(ctx, t.Address)
	if err == nil {
		err = r.probe(ctx, pool)
	}
	r.observe(ctx, t.TenantID, b.Report(ticket, err == nil))
	if err != nil {
		return Handle{}, &UnavailableError{Address: t.Address, RetryAfter: r.cfg.Cooldown, Cause: err}
	}
	return Handle{DB: pool, Address: t.Address, Dedicated: true}, nil
}

func (r *Router) probe(ctx context.Context, pool Pool) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ProbeTimeout)
	defer cancel()
	return pool.Ping(pctx)
}

func (r *Router) pool(ctx context.Context, addr string) (Pool, error) {
	if p, ok := r.cachedPool(addr); ok {
		return p, nil
	}
	if r.open == nil {
		return nil, errors.New("no opener configured for dedicated stores")
	}
	// One opener per address; other addresses keep routing meanwhile.
	v, err, _ := r.opening.Do(addr, func() (any, error) {
		if p, ok := r.cachedPool(addr); ok {
			return p, nil
		}
		p, err := r.open(context.WithoutCancel(ctx), addr)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.pools[addr] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Pool), nil
}

func (r *Router) cachedPool(addr string) (Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[addr]
	return p, ok
}

func (r *Router) observe(ctx context.Context, tenantID string, tr *Transition) {
	if tr == nil {
		return
	}
	r.log.Warn("dedicated datastore breaker transition",
		zap.String("address", logkey.Hash(tr.Address)),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		logkey.Tenant(tenantID))
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(*tr)
	}
	if r.cfg.Audit != nil && r.auditAllowed(tenantID) {
		r.cfg.Audit(ctx, tenantID, *tr)
	}
}

func (r *Router) auditAllowed(tenantID string) bool {
	v, ok := r.auditLimits.Load(tenantID)
	if !ok {
		v, _ = r.auditLimits.LoadOrStore(tenantID, rate.NewLimiter(rate.Every(r.cfg.AuditInterval), 1))
	}
	return v.(*rate.Limiter).AllowN(r.cfg.Now(), 1)
}

// Close closes every dedicated pool.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, p := range r.pools {
		p.Close()
		delete(r.pools, addr)
	}
}
