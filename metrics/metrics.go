// Package metrics holds the engine's lock-free counters and the latency
// histogram for request authentication. Exporters under metrics/export read
// Snapshot and never mutate state.
package metrics

import (
	"sync/atomic"
	"time"
)

// ID names one counter or histogram.
type ID uint16

const (
	LoginSuccess ID = iota
	LoginFailure
	LoginThrottled
	LoginLocked
	LoginCaptchaRequired
	LoginMFARequired
	RefreshSuccess
	RefreshFailure
	RefreshReuseDetected
	FamilyRevoked
	Logout
	AuthenticateSuccess
	AuthenticateFailure
	CrossTenantRejected
	TenantNotFound
	TenantSuspended
	MFAEnabled
	MFAVerifyFailure
	MFARecoveryCodeUsed
	MFAReauth
	MFAFreshnessRequired
	PasswordChanged
	RoleChanged
	ImpersonationStarted
	ImpersonationRevoked
	BreakerOpened
	BreakerHalfOpened
	BreakerClosed
	DedicatedUnavailable
	RevocationTierError
	RateLimitHit
	AuthenticateLatency
	idCount
)

const (
	bucketCount   = 8
	cacheLineSize = 64
)

type histogram struct {
	buckets [bucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config toggles collection.
type Config struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"latency_histograms"`
}

// Metrics is safe for concurrent use. A nil *Metrics discards everything.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [idCount]paddedCounter
	histograms    [idCount]histogram
}

// Snapshot is a point-in-time copy of all values.
type Snapshot struct {
	Counters   map[ID]uint64
	Histograms map[ID][]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) Inc(id ID) {
	if m == nil || !m.enabled || id >= idCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the histogram for id. Only AuthenticateLatency
// carries a histogram.
func (m *Metrics) Observe(id ID, d time.Duration) {
	if m == nil || !m.enableLatency || id != AuthenticateLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id ID) uint64 {
	if m == nil || id >= idCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{Counters: map[ID]uint64{}, Histograms: map[ID][]uint64{}}
	}
	s := Snapshot{
		Counters:   make(map[ID]uint64, int(idCount)),
		Histograms: make(map[ID][]uint64, 1),
	}
	for id := ID(0); id < idCount; id++ {
		if id == AuthenticateLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, bucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[AuthenticateLatency].buckets[i])
		}
		s.Histograms[AuthenticateLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
