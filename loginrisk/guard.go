// Package loginrisk tracks failed authentication attempts per (tenant,
// identity) and per (tenant, IP), applies exponential backoff between
// attempts, escalates to captcha and finally to a time-bounded soft lockout.
package loginrisk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/tenantauth/internal/logkey"
	"go.uber.org/zap"
)

var (
	// ErrLocked is matched by errors returned while an identity is in soft lockout.
	ErrLocked = errors.New("account temporarily locked")
	// ErrThrottled is matched by errors returned while the backoff delay has not elapsed.
	ErrThrottled = errors.New("too many attempts")
	// ErrCountersUnavailable wraps counter backend failures.
	ErrCountersUnavailable = errors.New("login risk counters unavailable")
)

// RetryError carries how long the caller must wait.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string { return e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Policy controls backoff, captcha and lockout escalation.
type Policy struct {
	// BaseDelay is the minimum gap after the first failure. The gap doubles
	// with every further consecutive failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// CaptchaThreshold consecutive failures (identity or IP) require a captcha.
	CaptchaThreshold int
	// LockoutThreshold consecutive identity failures start a soft lockout of
	// LockoutBase, doubling with each failure after it, capped at LockoutMax.
	LockoutThreshold int
	LockoutBase      time.Duration
	LockoutMax       time.Duration
	// StateTTL is how long counters survive without a new failure.
	StateTTL time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        250 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		CaptchaThreshold: 3,
		LockoutThreshold: 5,
		LockoutBase:      time.Minute,
		LockoutMax:       time.Hour,
		StateTTL:         24 * time.Hour,
	}
}

// Validate rejects inconsistent policies.
func (p Policy) Validate() error {
	if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
		return errors.New("loginrisk: MaxDelay must be >= BaseDelay >= 0")
	}
	if p.LockoutThreshold <= 0 || p.LockoutBase <= 0 || p.LockoutMax < p.LockoutBase {
		return errors.New("loginrisk: lockout threshold and durations must be positive")
	}
	if p.CaptchaThreshold <= 0 || p.CaptchaThreshold > p.LockoutThreshold {
		return errors.New("loginrisk: CaptchaThreshold must be in (0, LockoutThreshold]")
	}
	if p.StateTTL < p.LockoutMax {
		return errors.New("loginrisk: StateTTL must cover LockoutMax")
	}
	return nil
}

// State is the counter state of one key.
type State struct {
	Failures      int
	NextAllowedAt time.Time
	LockedUntil   time.Time
}

// Counters persists State per key. Fail must be atomic per key.
type Counters interface {
	Load(ctx context.Context, keys ...string) ([]State, error)
	Fail(ctx context.Context, key string, lockable bool, now time.Time, p Policy) (State, error)
	Clear(ctx context.Context, keys ...string) error
}

// Subject identifies one login attempt.
type Subject struct {
	TenantID string
	// Identity is the submitted email, known or not.
	Identity string
	IP       string
}

func (s Subject) identityKey() string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s.Identity))))
	return "lr:" + s.TenantID + ":id:" + hex.EncodeToString(sum[:])
}

func (s Subject) ipKey() string {
	if s.IP == "" {
		return ""
	}
	return "lr:" + s.TenantID + ":ip:" + s.IP
}

// Decision is the outcome of a successful Check.
type Decision struct {
	CaptchaRequired bool
	Failures        int
}

// Guard evaluates and records login risk.
type Guard struct {
	counters Counters
	policy   Policy
	log      *zap.Logger
	now      func() time.Time
}

// Option customises a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Guard) { g.log = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// NewGuard returns a Guard over counters.
func NewGuard(counters Counters, p Policy, opts ...Option) (*Guard, error) {
	if counters == nil {
		return nil, errors.New("loginrisk: nil counters")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g := &Guard{counters: counters, policy: p, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check decides whether an attempt may proceed. It returns a *RetryError
// wrapping ErrLocked or ErrThrottled when it may not.
func (g *Guard) Check(ctx context.Context, s Subject) (Decision, error) {
	keys := []string{s.identityKey()}
	if ip := s.ipKey(); ip != "" {
		keys = append(keys, ip)
	}
	states, err := g.counters.Load(ctx, keys...)
	if err != nil {
		return Decision{}, err
	}
	now := g.now()

	id := states[0]
	if id.LockedUntil.After(now) {
		return Decision{}, &RetryError{Err: ErrLocked, RetryAfter: id.LockedUntil.Sub(now)}
	}

	var d Decision
	var wait time.Duration
	for _, st := range states {
		if st.NextAllowedAt.After(now) && st.NextAllowedAt.Sub(now) > wait {
			wait = st.NextAllowedAt.Sub(now)
		}
		if st.Failures >= g.policy.CaptchaThreshold {
			d.CaptchaRequired = true
		}
		if st.Failures > d.Failures {
			d.Failures = st.Failures
		}
	}
	if wait > 0 {
		return Decision{}, &RetryError{Err: ErrThrottled, RetryAfter: wait}
	}
	return d, nil
}

// RecordFailure bumps both counters and returns the identity state.
func (g *Guard) RecordFailure(ctx context.Context, s Subject) (State, error) {
	now := g.now()
	st, err := g.counters.Fail(ctx, s.identityKey(), true, now, g.policy)
	if err != nil {
		return State{}, err
	}
	if ip := s.ipKey(); ip != "" {
		if _, err := g.counters.Fail(ctx, ip, false, now, g.policy); err != nil {
			return st, err
		}
	}
	if st.LockedUntil.After(now) {
		g.log.Warn("login soft lockout",
			logkey.Tenant(s.TenantID),
			logkey.Subject(s.Identity),
			zap.Int("failures", st.Failures),
			zap.Duration("locked_for", st.LockedUntil.Sub(now)))
	}
	return st, nil
}

// RecordSuccess clears the identity and IP counters and any lockout.
func (g *Guard) RecordSuccess(ctx context.Context, s Subject) error {
	keys := []string{s.identityKey()}
	if ip := s.ipKey(); ip != "" {
		keys = append(keys, ip)
	}
	return g.counters.Clear(ctx, keys...)
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy { return g.policy }

// backoff returns min(base * 2^exp, max).
func backoff(base time.Duration, exp int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if exp < 0 {
		exp = 0
	}
	if exp > 40 {
		return max
	}
	d := base << uint(exp)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// next applies one failure to st.
func (p Policy) next(st State, lockable bool, now time.Time) State {
	st.Failures++
	st.NextAllowedAt = now.Add(backoff(p.BaseDelay, st.Failures-1, p.MaxDelay))
	if lockable && st.Failures >= p.LockoutThreshold {
		st.LockedUntil = now.Add(backoff(p.LockoutBase, st.Failures-p.LockoutThreshold, p.LockoutMax))
	}
	return st
}
