package tenantauth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/loginrisk"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/revocation"
	"github.com/MrEthical07/tenantauth/tenancy"
)

// Engine is the session security core. It is safe for concurrent use once
// built; the only state shared between requests lives in its breakers,
// revocation cache, login risk counters and MFA cache.
type Engine struct {
	config Config
	log    *zap.Logger
	now    func() time.Time

	tokens      *jwt.Manager
	hasher      *password.Hasher
	revocations *revocation.Store
	risk        *loginrisk.Guard
	mfa         *mfa.Service
	router      *datastore.Router

	users   identity.Store
	tenants tenancy.Provider
	grants  tenancy.GrantStore
	captcha CaptchaVerifier

	audit   *audit.Dispatcher
	metrics *metrics.Metrics
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.config }

// IsDiagnosticPath reports whether path stays reachable for suspended tenants.
func (e *Engine) IsDiagnosticPath(path string) bool { return e.config.isDiagnostic(path) }

// MetricsSnapshot returns a copy of every counter and histogram.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	if e == nil || e.metrics == nil {
		return metrics.Snapshot{
			Counters:   map[metrics.ID]uint64{},
			Histograms: map[metrics.ID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports events discarded because the audit buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// BreakerStates returns the state of every dedicated store breaker by address.
func (e *Engine) BreakerStates() map[string]datastore.State {
	if e == nil || e.router == nil {
		return map[string]datastore.State{}
	}
	return e.router.Breakers().States()
}

// RunSweeper removes expired durable revocations until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	e.revocations.Run(ctx, e.config.Revocation.sweep())
}

// Close releases dedicated pools and drains the audit dispatcher.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.router != nil {
		e.router.Close()
	}
	if e.audit != nil {
		return e.audit.Close()
	}
	return nil
}

// Me returns the caller's current user record. Impersonation principals
// have no user row in the tenant and get a synthetic view.
func (e *Engine) Me(ctx context.Context, p *Principal) (UserView, error) {
	if p == nil {
		return UserView{}, ErrInvalidCredentials
	}
	if p.Impersonation {
		return UserView{
			ID:            p.UserID,
			TenantID:      p.TenantID,
			Role:          p.Role.String(),
			PlatformAdmin: true,
		}, nil
	}
	u, err := e.users.ByID(ctx, p.TenantID, p.UserID)
	if errors.Is(err, identity.ErrNotFound) {
		return UserView{}, ErrInvalidCredentials
	}
	if err != nil {
		return UserView{}, err
	}
	return viewOf(u), nil
}

// RecordRateLimited counts a request rejected by a transport-level limiter.
func (e *Engine) RecordRateLimited() { e.metricInc(metrics.RateLimitHit) }

func (e *Engine) metricInc(id metrics.ID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}

func (e *Engine) onBreakerTransition(t datastore.Transition) {
	switch t.To {
	case datastore.Open:
		e.metricInc(metrics.BreakerOpened)
	case datastore.HalfOpen:
		e.metricInc(metrics.BreakerHalfOpened)
	case datastore.Closed:
		e.metricInc(metrics.BreakerClosed)
	}
}
