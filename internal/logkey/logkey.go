// Package logkey derives the pseudonymous values written to logs in place of
// raw tenant ids and identities.
package logkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
)

// Hash returns a short stable digest of v.
func Hash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:6])
}

// Tenant is a zap field carrying the hashed tenant id.
func Tenant(id string) zap.Field {
	return zap.String("tenant", Hash(id))
}

// Subject is a zap field carrying a hashed identity (email or user id).
func Subject(v string) zap.Field {
	return zap.String("subject", Hash(strings.ToLower(strings.TrimSpace(v))))
}
