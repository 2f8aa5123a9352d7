package identity

import (
	"context"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{users: map[string]*User{}}
}

func idKey(tenantID, userID string) string { return tenantID + "/" + userID }

// Put inserts or replaces u.
func (m *Memory) Put(u User) {
	u.Email = NormalizeEmail(u.Email)
	m.mu.Lock()
	m.users[idKey(u.TenantID, u.ID)] = &u
	m.mu.Unlock()
}

func (m *Memory) ByEmail(_ context.Context, tenantID, email string) (*User, error) {
	email = NormalizeEmail(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ByID(_ context.Context, tenantID, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[idKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) mutate(tenantID, userID string, fn func(*User)) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[idKey(tenantID, userID)]
	if !ok {
		return 0, ErrNotFound
	}
	fn(u)
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (m *Memory) BumpTokenVersion(_ context.Context, tenantID, userID string) (uint32, error) {
	return m.mutate(tenantID, userID, func(*User) {})
}

func (m *Memory) SetPasswordHash(_ context.Context, tenantID, userID, hash string) (uint32, error) {
	return m.mutate(tenantID, userID, func(u *User) { u.PasswordHash = hash })
}

func (m *Memory) SetRole(_ context.Context, tenantID, userID string, role Role) (uint32, error) {
	return m.mutate(tenantID, userID, func(u *User) { u.Role = role })
}

// SetMFAEnabled flips the enrollment flag and bumps the token version, the
// same effect the durable MFA store has on the users table.
func (m *Memory) SetMFAEnabled(_ context.Context, tenantID, userID string) (uint32, error) {
	return m.mutate(tenantID, userID, func(u *User) { u.MFAEnabled = true })
}
