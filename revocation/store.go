// Package revocation tracks blacklisted token ids (jti) and blacklisted
// refresh rotation families (rfid).
//
// A Store always holds an in-process TTL arena and consults zero or more
// shared tiers behind it (Redis, Postgres). Reads go cache first, then each
// tier in order, and promote hits into the cache and every earlier tier.
// Writes go to the cache and every tier, except ephemeral entries which stay
// in process.
//
// When a tier is unreachable the Store logs and moves on unless StrictTiers
// is set. This keeps logins and refreshes available during a partition at
// the cost of reuse detection only seeing revocations this instance wrote.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/internal/ttlcache"
	"go.uber.org/zap"
)

// Kind distinguishes single-token from whole-family revocations.
type Kind string

const (
	KindToken  Kind = "jti"
	KindFamily Kind = "rfid"
)

// ErrTierUnavailable wraps tier failures surfaced in strict mode.
var ErrTierUnavailable = errors.New("revocation tier unavailable")

// Entry is one revocation record. ID is a jti or an rfid depending on Kind.
type Entry struct {
	TenantID  string
	UserID    string
	ID        string
	ExpiresAt time.Time
	// Ephemeral entries (impersonation subjects) have no backing identity row
	// and are only written to the in-process cache.
	Ephemeral bool
}

// Tier is a shared revocation backend.
type Tier interface {
	Name() string
	Put(ctx context.Context, kind Kind, e Entry) error
	Lookup(ctx context.Context, kind Kind, tenantID, id string) (expiresAt time.Time, found bool, err error)
}

// Sweepable tiers can drop expired rows. An empty tenantID sweeps every tenant.
type Sweepable interface {
	DeleteExpired(ctx context.Context, tenantID string, before time.Time) (int64, error)
}

// Config configures a Store.
type Config struct {
	StrictTiers bool
	Logger      *zap.Logger
	Now         func() time.Time
}

// Store is the tiered revocation store.
type Store struct {
	cache  *ttlcache.Cache[string]
	tiers  []Tier
	strict bool
	log    *zap.Logger
	now    func() time.Time
	// swept holds one entry per tenant until its debounce window closes.
	swept *ttlcache.Cache[struct{}]
}

// New builds a Store over tiers, consulted in the given order.
func New(cfg Config, tiers ...Tier) *Store {
	s := &Store{
		tiers:  tiers,
		strict: cfg.StrictTiers,
		log:    cfg.Logger,
		now:    cfg.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.cache = ttlcache.New[string](s.now)
	s.swept = ttlcache.New[struct{}](s.now)
	return s
}

// RevokeToken blacklists a single jti until it expires.
func (s *Store) RevokeToken(ctx context.Context, e Entry) error {
	return s.put(ctx, KindToken, e)
}

// RevokeFamily blacklists a whole rotation family.
func (s *Store) RevokeFamily(ctx context.Context, e Entry) error {
	return s.put(ctx, KindFamily, e)
}

// IsTokenRevoked reports whether jti is blacklisted for tenantID.
func (s *Store) IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error) {
	return s.lookup(ctx, KindToken, tenantID, jti)
}

// IsFamilyRevoked reports whether rfid is blacklisted for tenantID.
func (s *Store) IsFamilyRevoked(ctx context.Context, tenantID, rfid string) (bool, error) {
	return s.lookup(ctx, KindFamily, tenantID, rfid)
}

func (s *Store) put(ctx context.Context, kind Kind, e Entry) error {
	if e.TenantID == "" || e.ID == "" {
		return errors.New("revocation entry requires tenant and id")
	}
	if !e.ExpiresAt.After(s.now()) {
		return nil
	}
	s.cache.Set(cacheKey(kind, e.TenantID, e.ID), e.UserID, e.ExpiresAt)
	if e.Ephemeral {
		return nil
	}
	for _, tier := range s.tiers {
		if err := tier.Put(ctx, kind, e); err != nil {
			if s.strict {
				return fmt.Errorf("%w: %s: %v", ErrTierUnavailable, tier.Name(), err)
			}
			s.log.Warn("revocation write degraded to local cache",
				zap.String("tier", tier.Name()),
				zap.String("kind", string(kind)),
				logkey.Tenant(e.TenantID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Store) lookup(ctx context.Context, kind Kind, tenantID, id string) (bool, error) {
	if tenantID == "" || id == "" {
		return false, nil
	}
	key := cacheKey(kind, tenantID, id)
	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}
	for i, tier := range s.tiers {
		exp, found, err := tier.Lookup(ctx, kind, tenantID, id)
		if err != nil {
			if s.strict {
				return false, fmt.Errorf("%w: %s: %v", ErrTierUnavailable, tier.Name(), err)
			}
			s.log.Warn("revocation read skipped tier",
				zap.String("tier", tier.Name()),
				zap.String("kind", string(kind)),
				logkey.Tenant(tenantID),
				zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		s.promote(ctx, kind, Entry{TenantID: tenantID, ID: id, ExpiresAt: exp}, i)
		return true, nil
	}
	return false, nil
}

// promote copies a hit found in tiers[hit] into the cache and every earlier tier.
func (s *Store) promote(ctx context.Context, kind Kind, e Entry, hit int) {
	s.cache.Set(cacheKey(kind, e.TenantID, e.ID), e.UserID, e.ExpiresAt)
	for _, tier := range s.tiers[:hit] {
		if err := tier.Put(ctx, kind, e); err != nil {
			s.log.Debug("revocation promotion failed", zap.String("tier", tier.Name()), zap.Error(err))
		}
	}
}

func cacheKey(kind Kind, tenantID, id string) string {
	return ttlcache.Key(string(kind), tenantID, id)
}
