// Package tenancy models tenants, their API keys and platform impersonation
// grants, and the providers that look them up.
package tenancy

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// ErrNotFound is returned when no tenant matches.
var ErrNotFound = errors.New("tenant not found")

// Status is a tenant lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is one customer space.
type Tenant struct {
	ID     string
	Slug   string
	Hosts  []string
	Status Status
	// Dedicated tenants keep their data in a private store at StoreAddress.
	Dedicated    bool
	StoreAddress string
}

// Active reports whether the tenant accepts regular traffic.
func (t Tenant) Active() bool { return t.Status == StatusActive }

// Provider resolves tenants.
type Provider interface {
	ByID(ctx context.Context, id string) (Tenant, error)
	ByHost(ctx context.Context, host string) (Tenant, error)
	// ByAPIKeyHash resolves the tenant owning an API key, given HashAPIKey(key).
	ByAPIKeyHash(ctx context.Context, hash string) (Tenant, error)
}

// NormalizeHost lowercases h and strips any port. h may be a bare host, a
// host:port pair or an Origin/Referer URL.
func NormalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if h == "" || h == "null" {
		return ""
	}
	if strings.Contains(h, "://") {
		u, err := url.Parse(h)
		if err != nil {
			return ""
		}
		h = u.Host
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(strings.ToLower(h), ".")
}
