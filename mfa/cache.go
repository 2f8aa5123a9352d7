package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/tenantauth/internal/ttlcache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache holds the short-lived MFA state: pending enrollments, recently
// verified secrets, freshness flags and used TOTP steps.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache shares MFA state across instances.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache returns a Redis-backed Cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// MemoryCache keeps MFA state in process.
type MemoryCache struct {
	c *ttlcache.Cache[[]byte]
}

// NewMemoryCache returns an in-process Cache.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	return &MemoryCache{c: ttlcache.New[[]byte](now)}
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.SetTTL(key, value, ttl)
	return nil
}

func (m *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return m.c.SetIfAbsent(key, value, m.c.Now().Add(ttl)), nil
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	return v, ok, nil
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	m.c.Delete(keys...)
	return nil
}

// FallbackCache uses Primary and switches to Secondary for any call the
// primary fails. A miss in Primary also consults Secondary so state written
// during an outage stays visible on this instance until it expires.
type FallbackCache struct {
	Primary   Cache
	Secondary Cache
	Logger    *zap.Logger
}

func (f *FallbackCache) warn(op string, err error) {
	if f.Logger != nil {
		f.Logger.Warn("mfa cache degraded to local fallback", zap.String("op", op), zap.Error(err))
	}
}

func (f *FallbackCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := f.Primary.Set(ctx, key, value, ttl)
	if err == nil {
		return nil
	}
	f.warn("set", err)
	return f.Secondary.Set(ctx, key, value, ttl)
}

// SetNX refuses keys claimed locally during an earlier outage, so a step
// used while the primary was down cannot be replayed after it recovers.
func (f *FallbackCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, ok, _ := f.Secondary.Get(ctx, key); ok {
		return false, nil
	}
	stored, err := f.Primary.SetNX(ctx, key, value, ttl)
	if err == nil {
		return stored, nil
	}
	f.warn("setnx", err)
	return f.Secondary.SetNX(ctx, key, value, ttl)
}

func (f *FallbackCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.Primary.Get(ctx, key)
	if err != nil {
		f.warn("get", err)
	} else if ok {
		return v, true, nil
	}
	return f.Secondary.Get(ctx, key)
}

func (f *FallbackCache) Delete(ctx context.Context, keys ...string) error {
	perr := f.Primary.Delete(ctx, keys...)
	serr := f.Secondary.Delete(ctx, keys...)
	if perr != nil {
		f.warn("delete", perr)
		return serr
	}
	return nil
}
