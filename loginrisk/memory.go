package loginrisk

import (
	"context"
	"time"

	"github.com/MrEthical07/tenantauth/internal/ttlcache"
)

// MemoryCounters keeps counters in process. It is the fallback when the
// shared store is unreachable and the default for single-instance setups.
type MemoryCounters struct {
	cache *ttlcache.Cache[State]
}

// NewMemoryCounters returns in-process counters.
func NewMemoryCounters(now func() time.Time) *MemoryCounters {
	return &MemoryCounters{cache: ttlcache.New[State](now)}
}

func (m *MemoryCounters) Load(_ context.Context, keys ...string) ([]State, error) {
	out := make([]State, len(keys))
	for i, k := range keys {
		out[i], _ = m.cache.Get(k)
	}
	return out, nil
}

func (m *MemoryCounters) Fail(_ context.Context, key string, lockable bool, now time.Time, p Policy) (State, error) {
	st := m.cache.Update(key, func(cur State, _ bool) (State, time.Time) {
		return p.next(cur, lockable, now), now.Add(p.StateTTL)
	})
	return st, nil
}

func (m *MemoryCounters) Clear(_ context.Context, keys ...string) error {
	m.cache.Delete(keys...)
	return nil
}
