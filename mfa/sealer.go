package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnseal is returned when a sealed secret cannot be opened.
var ErrUnseal = errors.New("mfa secret cannot be unsealed")

// Sealer encrypts TOTP secrets at rest with XChaCha20-Poly1305. The tenant
// and user ids are bound as additional data, so a row copied to another
// tenant or user fails to open.
type Sealer struct {
	aead interface {
		NonceSize() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewSealer derives the data key from masterKey with HKDF-SHA256.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("mfa: master key must be at least 32 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte("tenantauth mfa secret v1")), key); err != nil {
		return nil, fmt.Errorf("mfa: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func aad(tenantID, userID string) []byte {
	return []byte(tenantID + "/" + userID)
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(tenantID, userID string, secret []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(secret)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, secret, aad(tenantID, userID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(tenantID, userID string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+chacha20poly1305.Overhead {
		return nil, ErrUnseal
	}
	out, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad(tenantID, userID))
	if err != nil {
		return nil, ErrUnseal
	}
	return out, nil
}
