package datastore

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a circuit breaker state.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Transition describes one state change won by a caller.
type Transition struct {
	Address string
	From    State
	To      State
	At      time.Time
}

// Ticket records the state a caller was admitted in. Report only moves the
// breaker if it is still in that state.
type Ticket struct {
	state State
}

// Breaker guards one dedicated store address. State and the time it was
// entered live in a single word updated by compare-and-swap, so concurrent
// callers never serialize on a lock and exactly one of them wins each
// transition.
type Breaker struct {
	addr     string
	word     atomic.Uint64
	cooldown time.Duration
	now      func() time.Time
}

func pack(s State, at time.Time) uint64 {
	return uint64(at.UnixMilli())<<2 | uint64(s)
}

func unpack(w uint64) (State, time.Time) {
	return State(w & 3), time.UnixMilli(int64(w >> 2))
}

func newBreaker(addr string, cooldown time.Duration, now func() time.Time) *Breaker {
	b := &Breaker{addr: addr, cooldown: cooldown, now: now}
	b.word.Store(pack(Closed, now()))
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	s, _ := unpack(b.word.Load())
	return s
}

// Acquire admits a caller to probe. Closed admits everyone. Open rejects
// until the cooldown elapses, then admits exactly one caller by moving to
// HalfOpen. HalfOpen rejects while that probe is outstanding; a probe that
// has not reported within one cooldown is presumed lost and replaced.
func (b *Breaker) Acquire() (Ticket, time.Duration, *Transition, bool) {
	for {
		w := b.word.Load()
		st, since := unpack(w)
		now := b.now()
		elapsed := now.Sub(since)
		switch st {
		case Closed:
			return Ticket{state: Closed}, 0, nil, true
		case Open:
			if elapsed < b.cooldown {
				return Ticket{}, b.cooldown - elapsed, nil, false
			}
			if b.word.CompareAndSwap(w, pack(HalfOpen, now)) {
				return Ticket{state: HalfOpen}, 0, &Transition{Address: b.addr, From: Open, To: HalfOpen, At: now}, true
			}
		case HalfOpen:
			if elapsed < b.cooldown {
				return Ticket{}, b.cooldown - elapsed, nil, false
			}
			if b.word.CompareAndSwap(w, pack(HalfOpen, now)) {
				return Ticket{state: HalfOpen}, 0, nil, true
			}
		}
	}
}

// Report records a probe outcome. It returns the transition when this call
// caused one.
func (b *Breaker) Report(t Ticket, success bool) *Transition {
	for {
		w := b.word.Load()
		st, _ := unpack(w)
		if st != t.state {
			return nil
		}
		var to State
		switch {
		case success && st == Closed:
			return nil
		case success:
			to = Closed
		default:
			to = Open
		}
		now := b.now()
		if b.word.CompareAndSwap(w, pack(to, now)) {
			return &Transition{Address: b.addr, From: st, To: to, At: now}
		}
	}
}

// Registry holds one Breaker per address.
type Registry struct {
	breakers sync.Map
	cooldown time.Duration
	now      func() time.Time
}

// NewRegistry returns a registry whose breakers stay open for cooldown.
func NewRegistry(cooldown time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{cooldown: cooldown, now: now}
}

// Get returns the breaker for addr, creating it Closed.
func (r *Registry) Get(addr string) *Breaker {
	if b, ok := r.breakers.Load(addr); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(addr, newBreaker(addr, r.cooldown, r.now))
	return b.(*Breaker)
}

// States snapshots every breaker's state.
func (r *Registry) States() map[string]State {
	out := map[string]State{}
	r.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}
