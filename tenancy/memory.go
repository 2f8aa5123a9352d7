package tenancy

import (
	"context"
	"sync"
)

// Memory is an in-process Provider and GrantStore.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	hosts   map[string]string
	keys    map[string]string
	grants  map[string]Grant
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		tenants: map[string]Tenant{},
		hosts:   map[string]string{},
		keys:    map[string]string{},
		grants:  map[string]Grant{},
	}
}

// Put adds or replaces a tenant and indexes its hosts.
func (m *Memory) Put(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
	for _, h := range t.Hosts {
		m.hosts[NormalizeHost(h)] = t.ID
	}
}

// AddAPIKey registers key for tenantID.
func (m *Memory) AddAPIKey(tenantID, key string) {
	m.mu.Lock()
	m.keys[HashAPIKey(key)] = tenantID
	m.mu.Unlock()
}

func (m *Memory) ByID(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ByHost(ctx context.Context, host string) (Tenant, error) {
	m.mu.RLock()
	id, ok := m.hosts[NormalizeHost(host)]
	m.mu.RUnlock()
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return m.ByID(ctx, id)
}

func (m *Memory) ByAPIKeyHash(ctx context.Context, hash string) (Tenant, error) {
	m.mu.RLock()
	id, ok := m.keys[hash]
	m.mu.RUnlock()
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return m.ByID(ctx, id)
}
