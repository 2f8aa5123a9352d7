package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fastConfig keeps tests quick while staying above the floor.
func fastConfig() Config {
	return Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func newHasher(t *testing.T, cfg Config) *Hasher {
	t.Helper()
	h, err := New(cfg)
	require.NoError(t, err)
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newHasher(t, fastConfig())
	enc, err := h.Hash("P@ssw0rd-Ascii")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(enc, "$argon2id$v=19$m=8192,t=1,p=1$"), enc)

	ok, err := h.Verify("P@ssw0rd-Ascii", enc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Verify("wrong-password", enc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	h := newHasher(t, fastConfig())
	enc, err := h.Hash("correct-password")
	require.NoError(t, err)
	parts := strings.Split(enc, "$")
	for _, i := range []int{4, 5} {
		for len(parts[i])%4 != 0 {
			parts[i] += "="
		}
	}
	ok, err := h.Verify("correct-password", strings.Join(parts, "$"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNeedsUpgrade(t *testing.T) {
	weak := newHasher(t, fastConfig())
	enc, err := weak.Hash("upgrade-me-please")
	require.NoError(t, err)

	up, err := weak.NeedsUpgrade(enc)
	require.NoError(t, err)
	require.False(t, up)

	strong := fastConfig()
	strong.Time = 2
	up, err = newHasher(t, strong).NeedsUpgrade(enc)
	require.NoError(t, err)
	require.True(t, up)
}

func TestMalformedHashes(t *testing.T) {
	h := newHasher(t, fastConfig())
	for _, enc := range []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2hvcnQ$aGFzaA",
	} {
		_, err := h.Verify("whatever-password", enc)
		require.ErrorIs(t, err, ErrMalformedHash, enc)
	}
}

func TestLengthPolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBytes = 64
	h := newHasher(t, cfg)

	_, err := h.Hash("short")
	require.ErrorIs(t, err, ErrPolicy)
	_, err = h.Hash(strings.Repeat("a", 65))
	require.ErrorIs(t, err, ErrPolicy)

	enc, err := h.Hash(strings.Repeat("b", 64))
	require.NoError(t, err)
	_, err = h.Verify(strings.Repeat("c", 65), enc)
	require.ErrorIs(t, err, ErrPolicy)
}

func TestDefaultMaxBytesApplied(t *testing.T) {
	h := newHasher(t, fastConfig())
	_, err := h.Hash(strings.Repeat("d", DefaultMaxBytes+1))
	require.ErrorIs(t, err, ErrPolicy)
	_, err = h.Hash(strings.Repeat("e", DefaultMaxBytes))
	require.NoError(t, err)
}

func TestDummyVerifyDoesNotPanic(t *testing.T) {
	h := newHasher(t, fastConfig())
	h.DummyVerify("")
	h.DummyVerify(strings.Repeat("x", 4096))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := fastConfig()
	bad.Memory = 1024
	_, err := New(bad)
	require.Error(t, err)
}
