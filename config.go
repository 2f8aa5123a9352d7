package tenantauth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/loginrisk"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/revocation"
)

// EnvDevelopment is the only environment in which the bootstrap route may
// resolve a tenant without any tenant signal.
const EnvDevelopment = "development"

// Config is the engine configuration. Secrets are tagged yaml:"-" and are
// filled from the environment by the caller.
type Config struct {
	Environment string           `yaml:"environment"`
	JWT         JWTConfig        `yaml:"jwt"`
	Revocation  RevocationConfig `yaml:"revocation"`
	LoginRisk   LoginRiskConfig  `yaml:"login_risk"`
	MFA         MFAConfig        `yaml:"mfa"`
	Password    password.Config  `yaml:"password"`
	Tenancy     TenancyConfig    `yaml:"tenancy"`
	Datastore   DatastoreConfig  `yaml:"datastore"`
	Redis       RedisConfig      `yaml:"redis"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	Audit       AuditConfig      `yaml:"audit"`
	Metrics     metrics.Config   `yaml:"metrics"`
	HTTP        HTTPConfig       `yaml:"http"`
	Tracing     TracingConfig    `yaml:"tracing"`
}

/*
====================================
TOKENS
====================================
*/

type JWTConfig struct {
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	ImpersonationTTL time.Duration `yaml:"impersonation_ttl"`
	SigningMethod    string        `yaml:"signing_method"`
	Issuer           string        `yaml:"issuer"`
	AudiencePrefix   string        `yaml:"audience_prefix"`
	Leeway           time.Duration `yaml:"leeway"`
	KeyID            string        `yaml:"key_id"`
	PrivateKey       []byte        `yaml:"-"`
	PublicKey        []byte        `yaml:"-"`
}

type RevocationConfig struct {
	// StrictTiers fails requests when a shared tier is unreachable instead
	// of degrading to this instance's cache.
	StrictTiers bool   `yaml:"strict_tiers"`
	RedisPrefix string `yaml:"redis_prefix"`
	// FamilyTTLCeiling caps how long a revoked family is remembered.
	FamilyTTLCeiling time.Duration `yaml:"family_ttl_ceiling"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepJitter      time.Duration `yaml:"sweep_jitter"`
	TenantDebounce   time.Duration `yaml:"tenant_debounce"`
	SweepTimeout     time.Duration `yaml:"sweep_timeout"`
}

func (c RevocationConfig) sweep() revocation.SweepConfig {
	return revocation.SweepConfig{
		Interval:       c.SweepInterval,
		Jitter:         c.SweepJitter,
		TenantDebounce: c.TenantDebounce,
		Timeout:        c.SweepTimeout,
	}
}

/*
====================================
LOGIN RISK
====================================
*/

type LoginRiskConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	CaptchaThreshold int           `yaml:"captcha_threshold"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutBase      time.Duration `yaml:"lockout_base"`
	LockoutMax       time.Duration `yaml:"lockout_max"`
	StateTTL         time.Duration `yaml:"state_ttl"`
}

func (c LoginRiskConfig) policy() loginrisk.Policy {
	return loginrisk.Policy{
		BaseDelay:        c.BaseDelay,
		MaxDelay:         c.MaxDelay,
		CaptchaThreshold: c.CaptchaThreshold,
		LockoutThreshold: c.LockoutThreshold,
		LockoutBase:      c.LockoutBase,
		LockoutMax:       c.LockoutMax,
		StateTTL:         c.StateTTL,
	}
}

/*
====================================
MFA
====================================
*/

type MFAConfig struct {
	Issuer             string        `yaml:"issuer"`
	PendingTTL         time.Duration `yaml:"pending_ttl"`
	RecentTTL          time.Duration `yaml:"recent_ttl"`
	FreshTTL           time.Duration `yaml:"fresh_ttl"`
	RecoveryCodes      int           `yaml:"recovery_codes"`
	RecoveryCodeLength int           `yaml:"recovery_code_length"`
	// RequireEnrollmentForSensitive makes sensitive actions fail with
	// ErrMfaRequired for users who never enrolled.
	RequireEnrollmentForSensitive bool   `yaml:"require_enrollment_for_sensitive"`
	MasterKey                     []byte `yaml:"-"`
}

func (c MFAConfig) service() mfa.Config {
	return mfa.Config{
		Issuer:             c.Issuer,
		PendingTTL:         c.PendingTTL,
		RecentTTL:          c.RecentTTL,
		FreshTTL:           c.FreshTTL,
		RecoveryCodes:      c.RecoveryCodes,
		RecoveryCodeLength: c.RecoveryCodeLength,
	}
}

/*
====================================
TENANCY AND DATA STORES
====================================
*/

type TenancyConfig struct {
	// DiagnosticPaths stay reachable for suspended tenants.
	DiagnosticPaths []string           `yaml:"diagnostic_paths"`
	DevBootstrap    DevBootstrapConfig `yaml:"dev_bootstrap"`
}

// DevBootstrapConfig lets exactly one path resolve to a fixed tenant when no
// tenant signal is present. Only valid in the development environment.
type DevBootstrapConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	TenantID string `yaml:"tenant_id"`
}

type DatastoreConfig struct {
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Cooldown      time.Duration `yaml:"cooldown"`
	AuditInterval time.Duration `yaml:"audit_interval"`
	MaxConns      int32         `yaml:"max_conns"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	DB       int      `yaml:"db"`
	Password string   `yaml:"-"`
}

type PostgresConfig struct {
	MaxConns int32  `yaml:"max_conns"`
	DSN      string `yaml:"-"`
}

/*
====================================
AUDIT, HTTP, TRACING
====================================
*/

type AuditConfig struct {
	Enabled      bool `yaml:"enabled"`
	audit.Config `yaml:",inline"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	SecureCookies   bool          `yaml:"secure_cookies"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns production defaults. Keys and DSNs are left empty.
func DefaultConfig() Config {
	lr := loginrisk.DefaultPolicy()
	mc := mfa.DefaultConfig()
	sw := revocation.DefaultSweepConfig()
	return Config{
		Environment: "production",
		JWT: JWTConfig{
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       30 * 24 * time.Hour,
			ImpersonationTTL: time.Hour,
			SigningMethod:    string(jwt.MethodEd25519),
			Issuer:           "tenantauth",
			Leeway:           30 * time.Second,
		},
		Revocation: RevocationConfig{
			RedisPrefix:      "rv",
			FamilyTTLCeiling: 30 * 24 * time.Hour,
			SweepInterval:    sw.Interval,
			SweepJitter:      sw.Jitter,
			TenantDebounce:   sw.TenantDebounce,
			SweepTimeout:     sw.Timeout,
		},
		LoginRisk: LoginRiskConfig{
			BaseDelay:        lr.BaseDelay,
			MaxDelay:         lr.MaxDelay,
			CaptchaThreshold: lr.CaptchaThreshold,
			LockoutThreshold: lr.LockoutThreshold,
			LockoutBase:      lr.LockoutBase,
			LockoutMax:       lr.LockoutMax,
			StateTTL:         lr.StateTTL,
		},
		MFA: MFAConfig{
			Issuer:             mc.Issuer,
			PendingTTL:         mc.PendingTTL,
			RecentTTL:          mc.RecentTTL,
			FreshTTL:           mc.FreshTTL,
			RecoveryCodes:      mc.RecoveryCodes,
			RecoveryCodeLength: mc.RecoveryCodeLength,
		},
		Password: password.DefaultConfig(),
		Tenancy: TenancyConfig{
			DiagnosticPaths: []string{"/healthz", "/tenant/status"},
		},
		Datastore: DatastoreConfig{
			ProbeTimeout:  300 * time.Millisecond,
			Cooldown:      10 * time.Second,
			AuditInterval: time.Minute,
			MaxConns:      8,
		},
		Postgres: PostgresConfig{MaxConns: 16},
		Audit: AuditConfig{
			Config:     audit.Config{BufferSize: 1024, DropIfFull: true},
			KafkaTopic: "tenantauth.audit",
		},
		Metrics: metrics.Config{Enabled: true, EnableLatencyHistograms: true},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			SecureCookies:   true,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Tracing: TracingConfig{ServiceName: "tenantauthd"},
	}
}

// LoadConfig overlays the YAML file at path onto DefaultConfig. Unknown keys
// are rejected. The result is not validated; secrets still need filling.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must exceed AccessTTL > 0")
	}
	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
	case jwt.MethodHS256:
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return fmt.Errorf("unsupported JWT signing method %q", c.JWT.SigningMethod)
	}
	if c.Revocation.FamilyTTLCeiling <= 0 {
		return errors.New("Revocation FamilyTTLCeiling must be > 0")
	}
	if c.Revocation.SweepInterval < time.Hour {
		return errors.New("Revocation SweepInterval must be >= 1h")
	}
	if err := c.LoginRisk.policy().Validate(); err != nil {
		return err
	}
	if len(c.MFA.MasterKey) < 32 {
		return errors.New("MFA MasterKey must be at least 32 bytes")
	}
	if c.MFA.FreshTTL <= 0 || c.MFA.PendingTTL <= 0 || c.MFA.RecentTTL <= 0 {
		return errors.New("MFA TTLs must be > 0")
	}
	if err := c.Password.Validate(); err != nil {
		return err
	}
	if c.Tenancy.DevBootstrap.Enabled {
		if c.Environment != EnvDevelopment {
			return errors.New("Tenancy DevBootstrap is only allowed in the development environment")
		}
		if c.Tenancy.DevBootstrap.Path == "" || c.Tenancy.DevBootstrap.TenantID == "" {
			return errors.New("Tenancy DevBootstrap requires Path and TenantID")
		}
	}
	if c.Datastore.ProbeTimeout <= 0 || c.Datastore.ProbeTimeout > 2*time.Second {
		return errors.New("Datastore ProbeTimeout must be in (0, 2s]")
	}
	if c.Datastore.Cooldown <= 0 {
		return errors.New("Datastore Cooldown must be > 0")
	}
	for _, o := range c.HTTP.AllowedOrigins {
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("HTTP AllowedOrigins entry %q must include a scheme", o)
		}
	}
	if c.Audit.Enabled && len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return errors.New("Audit KafkaTopic is required with KafkaBrokers")
	}
	return nil
}

func (c *Config) isDiagnostic(path string) bool {
	for _, p := range c.Tenancy.DiagnosticPaths {
		if p == path {
			return true
		}
	}
	return false
}
