package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

// RecoveryAlphabet omits characters that are easy to confuse (0/O, 1/I).
const RecoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newRecoveryCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(RecoveryAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// formatRecoveryCode splits a code into two halves for display.
func formatRecoveryCode(code string) string {
	if len(code) < 8 {
		return code
	}
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}

func canonicalRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// RecoveryCodeHash binds a code to its tenant and user.
func RecoveryCodeHash(tenantID, userID, code string) []byte {
	canonical := canonicalRecoveryCode(code)
	data := make([]byte, 0, len(tenantID)+len(userID)+len(canonical)+2)
	data = append(data, tenantID...)
	data = append(data, 0)
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonical...)
	sum := sha256.Sum256(data)
	return sum[:]
}

// generateRecoveryCodes returns display codes and their hashes.
func generateRecoveryCodes(tenantID, userID string, n, length int) ([]string, [][]byte, error) {
	codes := make([]string, n)
	hashes := make([][]byte, n)
	for i := 0; i < n; i++ {
		c, err := newRecoveryCode(length)
		if err != nil {
			return nil, nil, err
		}
		codes[i] = formatRecoveryCode(c)
		hashes[i] = RecoveryCodeHash(tenantID, userID, c)
	}
	return codes, hashes, nil
}
