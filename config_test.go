package tenantauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigNeedsOnlySecrets(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "keys are not defaulted")

	cfg = testConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"refresh not longer than access": func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL },
		"unknown signing method":         func(c *Config) { c.JWT.SigningMethod = "rs256" },
		"short hs256 key": func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte("short")
		},
		"short master key":         func(c *Config) { c.MFA.MasterKey = []byte("short") },
		"sweep more than hourly":   func(c *Config) { c.Revocation.SweepInterval = time.Minute },
		"captcha above lockout":    func(c *Config) { c.LoginRisk.CaptchaThreshold = c.LoginRisk.LockoutThreshold + 1 },
		"slow preflight probe":     func(c *Config) { c.Datastore.ProbeTimeout = 5 * time.Second },
		"origin without scheme":    func(c *Config) { c.HTTP.AllowedOrigins = []string{"acme.example.com"} },
		"weak password parameters": func(c *Config) { c.Password.Memory = 1024 },
		"bootstrap outside development": func(c *Config) {
			c.Tenancy.DevBootstrap = DevBootstrapConfig{Enabled: true, Path: "/bootstrap", TenantID: "t1"}
		},
		"bootstrap without path": func(c *Config) {
			c.Environment = EnvDevelopment
			c.Tenancy.DevBootstrap = DevBootstrapConfig{Enabled: true, TenantID: "t1"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: development
jwt:
  access_ttl: 5m
login_risk:
  lockout_threshold: 8
http:
  allowed_origins: ["https://app.acme.example.com"]
audit:
  enabled: true
  buffer_size: 64
  kafka_brokers: ["kafka:9092"]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, EnvDevelopment, cfg.Environment)
	require.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	require.Equal(t, 30*24*time.Hour, cfg.JWT.RefreshTTL, "untouched keys keep their defaults")
	require.Equal(t, 8, cfg.LoginRisk.LockoutThreshold)
	require.Equal(t, 64, cfg.Audit.BufferSize)
	require.True(t, cfg.Audit.DropIfFull)
	require.Equal(t, []string{"kafka:9092"}, cfg.Audit.KafkaBrokers)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  acess_ttl: 5m\n"), 0o600))
	_, err := LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
