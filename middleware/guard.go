package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/identity"
)

// ErrorWriter renders an engine error. A nil ErrorWriter falls back to
// WriteError.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// WriteError writes the stable error code as plain text with Status(err).
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	http.Error(w, tenantauth.Code(err), Status(err))
}

func orDefault(onError ErrorWriter) ErrorWriter {
	if onError == nil {
		return WriteError
	}
	return onError
}

// Tenant resolves the request tenant from the bearer, API key, Origin and
// Host, binds its datastore and records the client IP.
func Tenant(engine *tenantauth.Engine, onError ErrorWriter) func(http.Handler) http.Handler {
	onError = orDefault(onError)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			res, err := engine.ResolveTenant(ctx, tenantauth.ResolveInput{
				Bearer: Bearer(r),
				APIKey: r.Header.Get("X-Api-Key"),
				Origin: r.Header.Get("Origin"),
				Host:   r.Host,
				Path:   r.URL.Path,
			})
			if err != nil {
				onError(w, r, err)
				return
			}
			ctx, err = engine.Bind(ctx, res.Tenant)
			if err != nil {
				onError(w, r, err)
				return
			}
			ctx = tenantauth.WithClientIP(ctx, ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate requires a valid bearer token for the bound tenant.
func Authenticate(engine *tenantauth.Engine, onError ErrorWriter) func(http.Handler) http.Handler {
	onError = orDefault(onError)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := Bearer(r)
			if token == "" {
				onError(w, r, tenantauth.ErrInvalidCredentials)
				return
			}
			p, err := engine.Authenticate(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenantauth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole passes principals holding at least the lowest of roles.
func RequireRole(engine *tenantauth.Engine, onError ErrorWriter, roles ...identity.Role) func(http.Handler) http.Handler {
	return requirePrincipal(onError, func(r *http.Request, p *tenantauth.Principal) error {
		return engine.Authorize(p, roles...)
	})
}

// RequirePlatformAdmin passes platform admins acting as themselves.
func RequirePlatformAdmin(engine *tenantauth.Engine, onError ErrorWriter) func(http.Handler) http.Handler {
	return requirePrincipal(onError, func(_ *http.Request, p *tenantauth.Principal) error {
		return engine.RequirePlatformAdmin(p)
	})
}

// RequireFreshMFA passes principals with a recent MFA reauth.
func RequireFreshMFA(engine *tenantauth.Engine, onError ErrorWriter) func(http.Handler) http.Handler {
	return requirePrincipal(onError, func(r *http.Request, p *tenantauth.Principal) error {
		return engine.RequireFreshMFA(r.Context(), p)
	})
}

func requirePrincipal(onError ErrorWriter, check func(*http.Request, *tenantauth.Principal) error) func(http.Handler) http.Handler {
	onError = orDefault(onError)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := tenantauth.PrincipalFromContext(r.Context())
			if !ok {
				onError(w, r, tenantauth.ErrInvalidCredentials)
				return
			}
			if err := check(r, p); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Bearer returns the token of an Authorization: Bearer header, or "".
func Bearer(r *http.Request) string {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// ClientIP reads RemoteAddr. Put chi's RealIP or an equivalent in front
// when proxies are trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Status maps an engine error to its HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, tenantauth.ErrCrossTenant),
		errors.Is(err, tenantauth.ErrForbidden),
		errors.Is(err, tenantauth.ErrTenantSuspended),
		errors.Is(err, tenantauth.ErrMfaFreshnessRequired):
		return http.StatusForbidden
	case errors.Is(err, tenantauth.ErrInvalidCredentials),
		errors.Is(err, tenantauth.ErrTenantNotFound),
		errors.Is(err, tenantauth.ErrTenantUnresolved),
		errors.Is(err, tenantauth.ErrCaptchaRequired),
		errors.Is(err, tenantauth.ErrMfaRequired):
		return http.StatusUnauthorized
	case errors.Is(err, tenantauth.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, tenantauth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tenantauth.ErrTenantUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tenantauth.ErrMfaNotPending):
		return http.StatusConflict
	case errors.Is(err, tenantauth.ErrInvalidRequest),
		errors.Is(err, tenantauth.ErrPasswordPolicy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
