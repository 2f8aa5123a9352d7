package revocation

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/MrEthical07/tenantauth/internal/logkey"
	"go.uber.org/zap"
)

// SweepConfig drives the background sweeper.
type SweepConfig struct {
	// Interval between full sweeps; at least one hour in production.
	Interval time.Duration
	// Jitter adds a random delay in [0, Jitter) to each interval so that
	// instances do not sweep in lockstep.
	Jitter time.Duration
	// TenantDebounce is the minimum gap between two sweeps of one tenant
	// triggered through MaybeSweep.
	TenantDebounce time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
}

// DefaultSweepConfig returns hourly sweeps with up to ten minutes of jitter.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:       time.Hour,
		Jitter:         10 * time.Minute,
		TenantDebounce: time.Hour,
		Timeout:        30 * time.Second,
	}
}

// Sweep prunes the local cache and deletes expired rows for tenantID from
// every sweepable tier. An empty tenantID sweeps all tenants.
func (s *Store) Sweep(ctx context.Context, tenantID string) (int64, error) {
	pruned := int64(s.cache.Prune())
	s.swept.Prune()
	now := s.now()
	var firstErr error
	for _, tier := range s.tiers {
		sw, ok := tier.(Sweepable)
		if !ok {
			continue
		}
		n, err := sw.DeleteExpired(ctx, tenantID, now)
		if err != nil {
			s.log.Warn("revocation sweep failed", zap.String("tier", tier.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pruned += n
	}
	return pruned, firstErr
}

// MaybeSweep sweeps tenantID unless it was swept less than debounce ago.
// It reports whether a sweep ran.
func (s *Store) MaybeSweep(ctx context.Context, tenantID string, debounce time.Duration) (bool, error) {
	if debounce > 0 && !s.swept.SetIfAbsent(tenantID, struct{}{}, s.now().Add(debounce)) {
		return false, nil
	}

	n, err := s.Sweep(ctx, tenantID)
	if err == nil && n > 0 {
		s.log.Debug("revocation sweep", logkey.Tenant(tenantID), zap.Int64("removed", n))
	}
	return true, err
}

// Run sweeps every tenant on a jittered interval until ctx is done.
func (s *Store) Run(ctx context.Context, cfg SweepConfig) {
	if cfg.Interval <= 0 {
		cfg = DefaultSweepConfig()
	}
	for {
		wait := cfg.Interval
		if cfg.Jitter > 0 {
			wait += rand.N(cfg.Jitter)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sweepCtx := ctx
		var cancel context.CancelFunc = func() {}
		if cfg.Timeout > 0 {
			sweepCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		n, err := s.Sweep(sweepCtx, "")
		cancel()
		if err == nil {
			s.log.Info("revocation sweep completed", zap.Int64("removed", n))
		}
	}
}
