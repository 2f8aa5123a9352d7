package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP implements RFC 6238 with HMAC-SHA1.
type TOTP struct {
	Issuer string
	Period int
	Digits int
	// Skew is the number of steps accepted on either side of the current one.
	Skew int
}

// DefaultTOTP returns 6 digit, 30 second codes with a ±1 step window.
func DefaultTOTP(issuer string) TOTP {
	return TOTP{Issuer: issuer, Period: 30, Digits: 6, Skew: 1}
}

// GenerateSecret returns a random secret and its base32 form.
func (t TOTP) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, b32.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI rendered as a QR code by authenticator apps.
func (t TOTP) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(t.Issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", t.Issuer)
	v.Set("period", strconv.Itoa(t.Period))
	v.Set("digits", strconv.Itoa(t.Digits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Code returns the code for the step containing at.
func (t TOTP) Code(secret []byte, at time.Time) (string, error) {
	return hotp(secret, at.Unix()/int64(t.Period), t.Digits)
}

// Verify checks code against the current step and Skew steps around it.
// On success it returns the matching counter for replay tracking.
func (t TOTP) Verify(secret []byte, code string, now time.Time) (bool, int64, error) {
	if !t.looksLikeCode(code) {
		return false, 0, nil
	}
	code = strings.TrimSpace(code)
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}
	base := now.Unix() / int64(t.Period)
	for step := -t.Skew; step <= t.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want, err := hotp(secret, counter, t.Digits)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

func hotp(secret []byte, counter int64, digits int) (string, error) {
	if digits < 6 || digits > 8 {
		return "", errors.New("unsupported totp digits")
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		int(sum[offset+1])<<16 |
		int(sum[offset+2])<<8 |
		int(sum[offset+3])

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

// looksLikeCode reports whether code has the shape of a TOTP code.
func (t TOTP) looksLikeCode(code string) bool {
	code = strings.TrimSpace(code)
	return len(code) == t.Digits && numeric(code)
}

func numeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// DecodeSecret parses a base32 secret as shown to the user.
func DecodeSecret(s string) ([]byte, error) {
	return b32.DecodeString(strings.ToUpper(strings.TrimSpace(s)))
}
