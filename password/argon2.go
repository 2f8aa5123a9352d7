package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"

	// MinBytes is the shortest password Hash accepts.
	MinBytes = 10
	// DefaultMaxBytes applies when Config.MaxBytes is zero.
	DefaultMaxBytes = 1024
)

var (
	// ErrPolicy is returned by Hash for passwords outside the length bounds.
	ErrPolicy = errors.New("password policy violation")
	// ErrMalformedHash is returned for stored hashes that do not parse.
	ErrMalformedHash = errors.New("malformed password hash")
)

// Config holds Argon2id cost parameters.
type Config struct {
	Memory      uint32 `yaml:"memory_kb"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
	MaxBytes    int    `yaml:"max_bytes"`
}

// DefaultConfig returns the OWASP-recommended Argon2id profile.
func DefaultConfig() Config {
	return Config{Memory: 64 * 1024, Time: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32, MaxBytes: DefaultMaxBytes}
}

// Hasher is safe for concurrent use.
type Hasher struct {
	cfg   Config
	dummy string
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// New validates cfg and precomputes the dummy hash.
func New(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	h := &Hasher{cfg: cfg}
	dummy, err := h.Hash("dummy-password-never-matches")
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// Validate checks the cost floor.
func (c Config) Validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return errors.New("password memory must be >= 8192 KB")
	case c.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case c.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return errors.New("password salt length must be >= 16")
	case c.KeyLength < minKeyLength:
		return errors.New("password key length must be >= 16")
	case c.MaxBytes < 0:
		return errors.New("password max bytes must be >= 0")
	}
	return nil
}

// Hash returns the PHC encoding of password. Bytes are used as given, with
// no Unicode normalization.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < MinBytes {
		return "", fmt.Errorf("%w: shorter than %d bytes", ErrPolicy, MinBytes)
	}
	if len(password) > h.cfg.MaxBytes {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrPolicy, h.cfg.MaxBytes)
	}
	salt := make([]byte, h.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version, h.cfg.Memory, h.cfg.Time, h.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify compares password against encoded in constant time.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if len(password) > h.cfg.MaxBytes {
		return false, fmt.Errorf("%w: longer than %d bytes", ErrPolicy, h.cfg.MaxBytes)
	}
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// DummyVerify runs a verification against a hash nobody owns and discards
// the result.
func (h *Hasher) DummyVerify(password string) {
	if len(password) > h.cfg.MaxBytes {
		password = password[:h.cfg.MaxBytes]
	}
	_, _ = h.Verify(password, h.dummy)
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the hasher's.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return h.cfg.Memory > p.memory ||
		h.cfg.Time > p.time ||
		h.cfg.Parallelism > p.parallelism ||
		h.cfg.KeyLength != uint32(len(p.hash)), nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("%w: not PHC", ErrMalformedHash)
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version", ErrMalformedHash)
	}
	p := &phc{}
	if err := p.parseParams(parts[3]); err != nil {
		return nil, err
	}
	if p.salt, err = decodeB64(parts[4]); err != nil || len(p.salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if p.hash, err = decodeB64(parts[5]); err != nil || len(p.hash) == 0 {
		return nil, fmt.Errorf("%w: bad hash", ErrMalformedHash)
	}
	return p, nil
}

func (p *phc) parseParams(part string) error {
	var seen int
	for _, pair := range strings.Split(part, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}
		switch k {
		case "m":
			if n < uint64(minMemoryKB) {
				return fmt.Errorf("%w: memory below floor", ErrMalformedHash)
			}
			p.memory = uint32(n)
		case "t":
			if n < uint64(minTimeCost) {
				return fmt.Errorf("%w: time below floor", ErrMalformedHash)
			}
			p.time = uint32(n)
		case "p":
			if n < uint64(minParallelism) || n > 255 {
				return fmt.Errorf("%w: bad parallelism", ErrMalformedHash)
			}
			p.parallelism = uint8(n)
		default:
			return fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, k)
		}
		seen++
	}
	if seen != 3 {
		return fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}
	return nil
}
