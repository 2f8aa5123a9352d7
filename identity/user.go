// Package identity holds tenant-scoped user records: role, token version,
// password hash and MFA enrollment flag.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no user matches within the tenant.
var ErrNotFound = errors.New("user not found")

// Role is ordered: RoleViewer < RoleEditor < RoleAdmin.
type Role uint8

const (
	RoleViewer Role = iota + 1
	RoleEditor
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "VIEWER"
	case RoleEditor:
		return "EDITOR"
	case RoleAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// ParseRole parses the names produced by String, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VIEWER":
		return RoleViewer, nil
	case "EDITOR":
		return RoleEditor, nil
	case "ADMIN":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r >= min && r != 0
}

// User is one identity inside one tenant.
type User struct {
	TenantID      string
	ID            string
	Email         string
	PasswordHash  string
	Role          Role
	TokenVersion  uint32
	PlatformAdmin bool
	MFAEnabled    bool
}

// Store reads and mutates users. Every mutation that changes what a token
// asserts bumps TokenVersion and returns the new value.
type Store interface {
	ByEmail(ctx context.Context, tenantID, email string) (*User, error)
	ByID(ctx context.Context, tenantID, userID string) (*User, error)
	BumpTokenVersion(ctx context.Context, tenantID, userID string) (uint32, error)
	SetPasswordHash(ctx context.Context, tenantID, userID, hash string) (uint32, error)
	SetRole(ctx context.Context, tenantID, userID string, role Role) (uint32, error)
}

// NormalizeEmail lowercases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
