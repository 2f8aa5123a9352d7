package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the distributed cache tier. Keys expire with the entry.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTier returns a tier writing keys under prefix (default "rv").
func NewRedisTier(client redis.UniversalClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "rv"
	}
	return &RedisTier{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) key(kind Kind, tenantID, id string) string {
	return r.prefix + ":" + string(kind) + ":" + tenantID + ":" + id
}

// Put stores the entry until e.ExpiresAt.
func (r *RedisTier) Put(ctx context.Context, kind Kind, e Entry) error {
	ttl := e.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(kind, e.TenantID, e.ID), e.UserID, ttl).Err()
}

// Lookup returns the remaining lifetime of a stored entry.
func (r *RedisTier) Lookup(ctx context.Context, kind Kind, tenantID, id string) (time.Time, bool, error) {
	ttl, err := r.client.PTTL(ctx, r.key(kind, tenantID, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if ttl <= 0 {
		// -2: missing. -1: no expiry, which this tier never writes.
		return time.Time{}, false, nil
	}
	return r.now().Add(ttl), true, nil
}
