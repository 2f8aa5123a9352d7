package loginrisk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// failScript applies one failure atomically. Times are unix milliseconds.
// Hash fields: f = failures, n = next allowed, l = locked until.
const failScript = `
local function backoff(base, exp, cap)
  if base <= 0 then return 0 end
  if exp < 0 then exp = 0 end
  if exp > 40 then return cap end
  local d = math.floor(base * (2 ^ exp))
  if d > cap then return cap end
  return d
end

local now = tonumber(ARGV[1])
local base = tonumber(ARGV[2])
local max_delay = tonumber(ARGV[3])
local lockable = ARGV[4] == "1"
local lock_at = tonumber(ARGV[5])
local lock_base = tonumber(ARGV[6])
local lock_max = tonumber(ARGV[7])
local ttl = tonumber(ARGV[8])

local f = redis.call("HINCRBY", KEYS[1], "f", 1)
local next_at = now + backoff(base, f - 1, max_delay)
redis.call("HSET", KEYS[1], "n", next_at)

local locked = tonumber(redis.call("HGET", KEYS[1], "l") or "0")
if lockable and f >= lock_at then
  locked = now + backoff(lock_base, f - lock_at, lock_max)
  redis.call("HSET", KEYS[1], "l", locked)
end
redis.call("PEXPIRE", KEYS[1], ttl)
return {f, next_at, locked}
`

var failLua = redis.NewScript(failScript)

// RedisCounters shares counters across instances.
type RedisCounters struct {
	client redis.UniversalClient
}

// NewRedisCounters returns counters stored in Redis hashes.
func NewRedisCounters(client redis.UniversalClient) *RedisCounters {
	return &RedisCounters{client: client}
}

func (r *RedisCounters) Load(ctx context.Context, keys ...string) ([]State, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, "f", "n", "l")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCountersUnavailable, err)
	}
	out := make([]State, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		out[i] = State{
			Failures:      int(parseInt(vals[0])),
			NextAllowedAt: millis(parseInt(vals[1])),
			LockedUntil:   millis(parseInt(vals[2])),
		}
	}
	return out, nil
}

func (r *RedisCounters) Fail(ctx context.Context, key string, lockable bool, now time.Time, p Policy) (State, error) {
	lock := "0"
	if lockable {
		lock = "1"
	}
	res, err := failLua.Run(ctx, r.client, []string{key},
		now.UnixMilli(),
		p.BaseDelay.Milliseconds(),
		p.MaxDelay.Milliseconds(),
		lock,
		p.LockoutThreshold,
		p.LockoutBase.Milliseconds(),
		p.LockoutMax.Milliseconds(),
		p.StateTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCountersUnavailable, err)
	}
	if len(res) != 3 {
		return State{}, fmt.Errorf("%w: unexpected script reply", ErrCountersUnavailable)
	}
	return State{
		Failures:      int(res[0]),
		NextAllowedAt: millis(res[1]),
		LockedUntil:   millis(res[2]),
	}, nil
}

func (r *RedisCounters) Clear(ctx context.Context, keys ...string) error {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCountersUnavailable, err)
	}
	return nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// FallbackCounters uses Primary and switches to Secondary for any call the
// primary fails. Counts recorded during an outage stay local to the instance.
type FallbackCounters struct {
	Primary   Counters
	Secondary Counters
	Logger    *zap.Logger
}

func (f *FallbackCounters) warn(op string, err error) {
	if f.Logger != nil {
		f.Logger.Warn("login risk counters degraded to local fallback", zap.String("op", op), zap.Error(err))
	}
}

func (f *FallbackCounters) Load(ctx context.Context, keys ...string) ([]State, error) {
	st, err := f.Primary.Load(ctx, keys...)
	if err == nil {
		return st, nil
	}
	f.warn("load", err)
	return f.Secondary.Load(ctx, keys...)
}

func (f *FallbackCounters) Fail(ctx context.Context, key string, lockable bool, now time.Time, p Policy) (State, error) {
	st, err := f.Primary.Fail(ctx, key, lockable, now, p)
	if err == nil {
		return st, nil
	}
	f.warn("fail", err)
	return f.Secondary.Fail(ctx, key, lockable, now, p)
}

func (f *FallbackCounters) Clear(ctx context.Context, keys ...string) error {
	perr := f.Primary.Clear(ctx, keys...)
	serr := f.Secondary.Clear(ctx, keys...)
	if perr != nil {
		f.warn("clear", perr)
		return serr
	}
	return nil
}
