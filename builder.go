package tenantauth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/audit"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/loginrisk"
	"github.com/MrEthical07/tenantauth/metrics"
	"github.com/MrEthical07/tenantauth/mfa"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/revocation"
	"github.com/MrEthical07/tenantauth/tenancy"
)

// Builder assembles an Engine. Every With method is optional except that
// the engine needs either Postgres or explicit user and tenant stores.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	shared datastore.DB
	opener datastore.Opener

	users    identity.Store
	tenants  tenancy.Provider
	grants   tenancy.GrantStore
	mfaStore mfa.Store

	log       *zap.Logger
	auditSink audit.Sink
	captcha   CaptchaVerifier
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis shares revocations, login risk counters and MFA state across
// instances. Without it every instance keeps its own.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres sets the shared control database. Tenants, grants and
// durable revocations live there; users and MFA rows follow the request's
// bound handle.
func (b *Builder) WithPostgres(db datastore.DB) *Builder {
	b.shared = db
	return b
}

// WithOpener replaces the pgxpool opener used for dedicated tenant stores.
func (b *Builder) WithOpener(open datastore.Opener) *Builder {
	b.opener = open
	return b
}

func (b *Builder) WithUsers(store identity.Store) *Builder {
	b.users = store
	return b
}

func (b *Builder) WithTenants(provider tenancy.Provider, grants tenancy.GrantStore) *Builder {
	b.tenants = provider
	b.grants = grants
	return b
}

func (b *Builder) WithMFAStore(store mfa.Store) *Builder {
	b.mfaStore = store
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.log = l
	return b
}

func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithCaptcha sets the verifier consulted once login risk asks for a
// captcha. Without one, escalated logins cannot proceed.
func (b *Builder) WithCaptcha(v CaptchaVerifier) *Builder {
	b.captcha = v
	return b
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// mfaEnabler is implemented by user stores that track MFA enrollment
// outside the mfa package, such as identity.Memory.
type mfaEnabler interface {
	SetMFAEnabled(ctx context.Context, tenantID, userID string) (uint32, error)
}

type enrollmentBumper struct{ users mfaEnabler }

func (b enrollmentBumper) BumpTokenVersion(ctx context.Context, tenantID, userID string) (uint32, error) {
	return b.users.SetMFAEnabled(ctx, tenantID, userID)
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- STORES --------
	users, tenants, grants, mfaStore := b.users, b.tenants, b.grants, b.mfaStore
	if b.shared != nil {
		if users == nil {
			users = identity.NewPostgres(b.shared)
		}
		if tenants == nil || grants == nil {
			pg := tenancy.NewPostgres(b.shared, log.Named("tenancy"))
			if tenants == nil {
				tenants = pg
			}
			if grants == nil {
				grants = pg
			}
		}
		if mfaStore == nil {
			mfaStore = mfa.NewPostgresStore(b.shared)
		}
	}
	if users == nil {
		return nil, errors.New("user store required")
	}
	if tenants == nil || grants == nil {
		return nil, errors.New("tenant provider and grant store required")
	}
	if mfaStore == nil {
		enabler, ok := users.(mfaEnabler)
		if !ok {
			return nil, errors.New("mfa store required")
		}
		mfaStore = mfa.NewMemoryStore(enrollmentBumper{users: enabler})
	}

	// -------- TOKENS AND PASSWORDS --------
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:        cfg.JWT.AccessTTL,
		RefreshTTL:       cfg.JWT.RefreshTTL,
		ImpersonationTTL: cfg.JWT.ImpersonationTTL,
		SigningMethod:    jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:       cfg.JWT.PrivateKey,
		PublicKey:        cfg.JWT.PublicKey,
		Issuer:           cfg.JWT.Issuer,
		AudiencePrefix:   cfg.JWT.AudiencePrefix,
		Leeway:           cfg.JWT.Leeway,
		KeyID:            cfg.JWT.KeyID,
		Logger:           log.Named("jwt"),
		Now:              now,
	})
	if err != nil {
		return nil, err
	}
	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, err
	}

	// -------- REVOCATION --------
	var tiers []revocation.Tier
	if b.redis != nil {
		tiers = append(tiers, revocation.NewRedisTier(b.redis, cfg.Revocation.RedisPrefix))
	}
	if b.shared != nil {
		tiers = append(tiers, revocation.NewPostgresTier(b.shared))
	}
	revocations := revocation.New(revocation.Config{
		StrictTiers: cfg.Revocation.StrictTiers,
		Logger:      log.Named("revocation"),
		Now:         now,
	}, tiers...)

	// -------- LOGIN RISK --------
	var counters loginrisk.Counters = loginrisk.NewMemoryCounters(now)
	if b.redis != nil {
		counters = &loginrisk.FallbackCounters{
			Primary:   loginrisk.NewRedisCounters(b.redis),
			Secondary: counters,
			Logger:    log.Named("loginrisk"),
		}
	}
	risk, err := loginrisk.NewGuard(counters, cfg.LoginRisk.policy(),
		loginrisk.WithLogger(log.Named("loginrisk")), loginrisk.WithClock(now))
	if err != nil {
		return nil, err
	}

	// -------- MFA --------
	sealer, err := mfa.NewSealer(cfg.MFA.MasterKey)
	if err != nil {
		return nil, err
	}
	var cache mfa.Cache = mfa.NewMemoryCache(now)
	if b.redis != nil {
		cache = &mfa.FallbackCache{
			Primary:   mfa.NewRedisCache(b.redis),
			Secondary: cache,
			Logger:    log.Named("mfa"),
		}
	}
	mfaSvc, err := mfa.NewService(cfg.MFA.service(), mfaStore, cache, sealer,
		mfa.WithLogger(log.Named("mfa")), mfa.WithClock(now))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:      cfg,
		log:         log,
		now:         now,
		tokens:      tokens,
		hasher:      hasher,
		revocations: revocations,
		risk:        risk,
		mfa:         mfaSvc,
		users:       users,
		tenants:     tenants,
		grants:      grants,
		captcha:     b.captcha,
		metrics:     metrics.New(cfg.Metrics),
		audit:       audit.NewDispatcher(cfg.Audit.Config, b.auditSink),
	}

	// -------- DATASTORE ROUTING --------
	opener := b.opener
	if opener == nil {
		opener = datastore.PgxOpener(cfg.Datastore.MaxConns)
	}
	e.router = datastore.NewRouter(b.shared, opener, datastore.Config{
		ProbeTimeout:  cfg.Datastore.ProbeTimeout,
		Cooldown:      cfg.Datastore.Cooldown,
		AuditInterval: cfg.Datastore.AuditInterval,
		Logger:        log.Named("datastore"),
		Now:           now,
		OnTransition:  e.onBreakerTransition,
		Audit:         e.auditBreakerTransition,
	})

	b.built = true
	return e, nil
}
