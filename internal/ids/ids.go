// Package ids generates the identifiers minted by the session core.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TokenID returns a random jti.
func TokenID() string {
	return uuid.NewString()
}

// FamilyID returns a rotation family id. ULIDs sort by creation time, which
// keeps a family's durable rows clustered.
func FamilyID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// GrantID returns an impersonation grant id.
func GrantID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// CSRFToken returns a 32 byte random token, base64url encoded.
func CSRFToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
