package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Audience separates access tokens from refresh tokens so neither can be
// replayed in place of the other.
type Audience string

const (
	AudienceAccess  Audience = "access"
	AudienceRefresh Audience = "refresh"
)

// ImpersonationPrefix marks the subject of tokens minted from an impersonation grant.
const ImpersonationPrefix = "impersonation:"

// ErrInvalidToken is the only error Verify returns. The concrete reason is
// logged, never returned.
var ErrInvalidToken = errors.New("invalid token")

// Config configures a Manager.
type Config struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	ImpersonationTTL time.Duration
	SigningMethod    SigningMethod
	PrivateKey       []byte
	PublicKey        []byte
	Issuer           string
	// AudiencePrefix namespaces the access/refresh audiences, e.g. "api" gives "api:access".
	AudiencePrefix string
	Leeway         time.Duration
	MaxFutureIAT   time.Duration
	KeyID          string
	VerifyKeys     map[string][]byte

	Logger *zap.Logger
	Now    func() time.Time
}

// Claims is the claim set shared by access, refresh and impersonation tokens.
type Claims struct {
	TenantID      string `json:"tid"`
	Role          string `json:"role"`
	TokenVersion  uint32 `json:"tv"`
	PlatformAdmin bool   `json:"padm,omitempty"`
	FamilyID      string `json:"rfid,omitempty"`
	GrantID       string `json:"gid,omitempty"`
	Scope         string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// IsImpersonation reports whether the token was minted from an impersonation grant.
func (c *Claims) IsImpersonation() bool {
	return strings.HasPrefix(c.Subject, ImpersonationPrefix)
}

// Manager signs and verifies tokens.
type Manager struct {
	config Config
	log    *zap.Logger
	now    func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("refresh TTL must exceed access TTL")
	}
	if cfg.ImpersonationTTL <= 0 {
		cfg.ImpersonationTTL = cfg.AccessTTL
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	m := &Manager{config: cfg, log: cfg.Logger, now: cfg.Now}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// IssueAccess signs an access token for claims under jti.
func (m *Manager) IssueAccess(claims Claims, jti string) (string, time.Time, error) {
	claims.FamilyID = ""
	return m.issue(claims, jti, AudienceAccess, m.config.AccessTTL)
}

// IssueRefresh signs a refresh token. The rotation family id is mandatory.
func (m *Manager) IssueRefresh(claims Claims, jti string) (string, time.Time, error) {
	if claims.FamilyID == "" {
		return "", time.Time{}, errors.New("refresh token requires a rotation family id")
	}
	return m.issue(claims, jti, AudienceRefresh, m.config.RefreshTTL)
}

// IssueImpersonation signs an access-audience token for an impersonation
// grant. The subject is prefixed with ImpersonationPrefix.
func (m *Manager) IssueImpersonation(claims Claims, jti string) (string, time.Time, error) {
	if claims.GrantID == "" {
		return "", time.Time{}, errors.New("impersonation token requires a grant id")
	}
	if !strings.HasPrefix(claims.Subject, ImpersonationPrefix) {
		claims.Subject = ImpersonationPrefix + claims.Subject
	}
	claims.FamilyID = ""
	return m.issue(claims, jti, AudienceAccess, m.config.ImpersonationTTL)
}

func (m *Manager) issue(claims Claims, jti string, aud Audience, ttl time.Duration) (string, time.Time, error) {
	if jti == "" || claims.Subject == "" || claims.TenantID == "" {
		return "", time.Time{}, errors.New("token requires jti, subject and tenant")
	}
	now := m.now()
	exp := now.Add(ttl)
	claims.ID = jti
	claims.Issuer = m.config.Issuer
	claims.Audience = jwt.ClaimStrings{m.audience(aud)}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	key, err := m.signKey()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry and the
// required claims. It does not tell the caller which check failed.
func (m *Manager) Verify(tokenStr string, aud Audience) (*Claims, error) {
	claims, err := m.parse(tokenStr, aud)
	if err != nil {
		m.log.Debug("token rejected", zap.String("audience", string(aud)), zap.Error(err))
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) parse(tokenStr string, aud Audience) (*Claims, error) {
	if tokenStr == "" {
		return nil, errors.New("empty token")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithAudience(m.audience(aud)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, m.keyFunc)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.After(m.now().Add(m.config.MaxFutureIAT)) {
		return nil, errors.New("token iat missing or too far in the future")
	}
	if claims.ID == "" || claims.Subject == "" || claims.TenantID == "" {
		return nil, errors.New("token missing jti, subject or tenant")
	}
	if aud == AudienceRefresh && claims.FamilyID == "" {
		return nil, errors.New("refresh token missing rotation family")
	}
	if aud == AudienceAccess && claims.FamilyID != "" {
		return nil, errors.New("access token carries rotation family")
	}
	if claims.IsImpersonation() && claims.GrantID == "" {
		return nil, errors.New("impersonation token missing grant id")
	}
	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if len(m.config.VerifyKeys) > 0 {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.verifyKeyFromBytes(key)
	}
	if m.config.KeyID != "" && kid != m.config.KeyID {
		return nil, errors.New("unknown kid")
	}
	return m.verifyKey()
}

func (m *Manager) audience(aud Audience) string {
	if m.config.AudiencePrefix == "" {
		return string(aud)
	}
	return m.config.AudiencePrefix + ":" + string(aud)
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPrivateKey(m.config.PrivateKey)
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	if len(m.config.PublicKey) > 0 {
		return parseEdPublicKey(m.config.PublicKey)
	}
	priv, err := parseEdPrivateKey(m.config.PrivateKey)
	if err != nil {
		return nil, err
	}
	return priv.Public(), nil
}

func (m *Manager) verifyKeyFromBytes(key []byte) (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
