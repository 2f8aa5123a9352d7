// Package mfa implements TOTP second factors: two-phase enrollment, code and
// recovery code verification, and the step-up freshness window required by
// sensitive actions.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/tenantauth/internal/logkey"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCode is returned for a wrong, malformed or replayed code.
	ErrInvalidCode = errors.New("invalid mfa code")
	// ErrNoPendingEnrollment is returned by Confirm without a live Setup.
	ErrNoPendingEnrollment = errors.New("no pending mfa enrollment")
)

// Config configures a Service.
type Config struct {
	Issuer string
	// PendingTTL bounds the time between Setup and Confirm.
	PendingTTL time.Duration
	// RecentTTL keeps a just-confirmed secret readable while the durable
	// write may not yet be visible to every replica.
	RecentTTL time.Duration
	// FreshTTL is the step-up window opened by Reauth.
	FreshTTL           time.Duration
	RecoveryCodes      int
	RecoveryCodeLength int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:             "tenantauth",
		PendingTTL:         10 * time.Minute,
		RecentTTL:          2 * time.Minute,
		FreshTTL:           5 * time.Minute,
		RecoveryCodes:      8,
		RecoveryCodeLength: 10,
	}
}

// Service runs MFA operations.
type Service struct {
	cfg    Config
	totp   TOTP
	store  Store
	cache  Cache
	sealer *Sealer
	log    *zap.Logger
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a Service.
func NewService(cfg Config, store Store, cache Cache, sealer *Sealer, opts ...Option) (*Service, error) {
	if store == nil || cache == nil || sealer == nil {
		return nil, errors.New("mfa: store, cache and sealer are required")
	}
	if cfg.PendingTTL <= 0 || cfg.RecentTTL <= 0 || cfg.FreshTTL <= 0 {
		return nil, errors.New("mfa: TTLs must be positive")
	}
	if cfg.RecoveryCodes <= 0 || cfg.RecoveryCodeLength < 8 {
		return nil, errors.New("mfa: invalid recovery code settings")
	}
	s := &Service{
		cfg:    cfg,
		totp:   DefaultTOTP(cfg.Issuer),
		store:  store,
		cache:  cache,
		sealer: sealer,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func pendingKey(tenantID, userID string) string { return "mfa:pending:" + tenantID + ":" + userID }
func recentKey(tenantID, userID string) string  { return "mfa:recent:" + tenantID + ":" + userID }
func freshKey(tenantID, userID string) string   { return "mfa:fresh:" + tenantID + ":" + userID }
func usedKey(tenantID, userID string, counter int64) string {
	return "mfa:used:" + tenantID + ":" + userID + ":" + strconv.FormatInt(counter, 10)
}

// Enrollment is returned by Setup for display to the user.
type Enrollment struct {
	Secret    string
	URI       string
	ExpiresAt time.Time
}

// Setup starts enrollment. The secret stays pending until Confirm.
func (s *Service) Setup(ctx context.Context, tenantID, userID, account string) (*Enrollment, error) {
	raw, encoded, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(tenantID, userID, raw)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, pendingKey(tenantID, userID), sealed, s.cfg.PendingTTL); err != nil {
		return nil, fmt.Errorf("store pending secret: %w", err)
	}
	return &Enrollment{
		Secret:    encoded,
		URI:       s.totp.ProvisionURI(encoded, account),
		ExpiresAt: s.now().Add(s.cfg.PendingTTL),
	}, nil
}

// Confirmation is the result of a successful Confirm.
type Confirmation struct {
	RecoveryCodes []string
	TokenVersion  uint32
}

// Confirm checks code against the pending secret and enables MFA.
func (s *Service) Confirm(ctx context.Context, tenantID, userID, code string) (*Confirmation, error) {
	sealed, ok, err := s.cache.Get(ctx, pendingKey(tenantID, userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPendingEnrollment
	}
	secret, err := s.sealer.Open(tenantID, userID, sealed)
	if err != nil {
		return nil, err
	}
	counter, err := s.checkTOTP(ctx, tenantID, userID, secret, code)
	if err != nil {
		return nil, err
	}

	codes, hashes, err := generateRecoveryCodes(tenantID, userID, s.cfg.RecoveryCodes, s.cfg.RecoveryCodeLength)
	if err != nil {
		s.releaseStep(ctx, tenantID, userID, counter)
		return nil, err
	}
	version, err := s.store.Enable(ctx, tenantID, userID, sealed, hashes)
	if err != nil {
		s.releaseStep(ctx, tenantID, userID, counter)
		return nil, fmt.Errorf("enable mfa: %w", err)
	}
	if err := s.cache.Set(ctx, recentKey(tenantID, userID), sealed, s.cfg.RecentTTL); err != nil {
		s.log.Warn("mfa recent cache write failed", logkey.Tenant(tenantID), zap.Error(err))
	}
	if err := s.cache.Delete(ctx, pendingKey(tenantID, userID)); err != nil {
		s.log.Warn("mfa pending cache delete failed", logkey.Tenant(tenantID), zap.Error(err))
	}
	return &Confirmation{RecoveryCodes: codes, TokenVersion: version}, nil
}

// releaseStep un-claims a time step whose code did not complete an
// enrollment, so the same code can be retried.
func (s *Service) releaseStep(ctx context.Context, tenantID, userID string, counter int64) {
	if err := s.cache.Delete(ctx, usedKey(tenantID, userID, counter)); err != nil {
		s.log.Warn("mfa used step release failed", logkey.Tenant(tenantID), zap.Error(err))
	}
}

// Required reports whether login for the user must present a second factor.
// enabled is the durable flag as read with the user record; a secret
// confirmed moments ago counts even if that read was stale.
func (s *Service) Required(ctx context.Context, tenantID, userID string, enabled bool) (bool, error) {
	if enabled {
		return true, nil
	}
	_, ok, err := s.cache.Get(ctx, recentKey(tenantID, userID))
	return ok, err
}

// VerifyCode checks a TOTP code for an enrolled user.
func (s *Service) VerifyCode(ctx context.Context, tenantID, userID, code string) error {
	secret, err := s.secret(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	_, err = s.checkTOTP(ctx, tenantID, userID, secret, code)
	return err
}

// ConsumeRecoveryCode accepts each recovery code once.
func (s *Service) ConsumeRecoveryCode(ctx context.Context, tenantID, userID, code string) error {
	ok, err := s.store.ConsumeRecoveryCode(ctx, tenantID, userID, RecoveryCodeHash(tenantID, userID, code))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	s.log.Info("mfa recovery code consumed", logkey.Tenant(tenantID), logkey.Subject(userID))
	return nil
}

// Reauth verifies a TOTP or recovery code and opens the freshness window.
// Only input shaped like a TOTP code is tried as one; recovery codes are
// longer than any TOTP code.
func (s *Service) Reauth(ctx context.Context, tenantID, userID, code string) error {
	if s.totp.looksLikeCode(code) {
		if err := s.VerifyCode(ctx, tenantID, userID, code); err != nil {
			return err
		}
	} else if err := s.ConsumeRecoveryCode(ctx, tenantID, userID, code); err != nil {
		return err
	}
	return s.cache.Set(ctx, freshKey(tenantID, userID), []byte{1}, s.cfg.FreshTTL)
}

// IsFresh reports whether Reauth succeeded within FreshTTL.
func (s *Service) IsFresh(ctx context.Context, tenantID, userID string) (bool, error) {
	_, ok, err := s.cache.Get(ctx, freshKey(tenantID, userID))
	return ok, err
}

func (s *Service) secret(ctx context.Context, tenantID, userID string) ([]byte, error) {
	sealed, ok, err := s.cache.Get(ctx, recentKey(tenantID, userID))
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("mfa recent cache read failed", logkey.Tenant(tenantID), zap.Error(err))
		}
		sealed, err = s.store.Secret(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
	}
	return s.sealer.Open(tenantID, userID, sealed)
}

// checkTOTP verifies code and claims its time step. It returns the claimed
// counter.
func (s *Service) checkTOTP(ctx context.Context, tenantID, userID string, secret []byte, code string) (int64, error) {
	ok, counter, err := s.totp.Verify(secret, code, s.now())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInvalidCode
	}
	window := time.Duration(2*s.totp.Skew+1) * time.Duration(s.totp.Period) * time.Second
	fresh, err := s.cache.SetNX(ctx, usedKey(tenantID, userID, counter), []byte{1}, window)
	if err != nil {
		return 0, err
	}
	if !fresh {
		s.log.Warn("mfa code replay rejected", logkey.Tenant(tenantID), logkey.Subject(userID))
		return 0, ErrInvalidCode
	}
	return counter, nil
}
