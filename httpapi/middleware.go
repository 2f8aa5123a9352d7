package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/middleware"
)

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.ByteString("stack", debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("http request",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a token bucket per client IP. Idle buckets expire from
// the cache and are pruned every pruneEvery requests.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimitRPS <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.seen.Add(1)%pruneEvery == 0 {
			s.limiters.Prune()
		}
		if !s.limiterFor(middleware.ClientIP(r)).AllowN(s.now(), 1) {
			s.engine.RecordRateLimited()
			s.writeError(w, r, &tenantauth.RetryError{Err: tenantauth.ErrRateLimited, RetryAfter: time.Second})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterFor returns the bucket for ip. The cache write lock is taken only
// to create a bucket or to extend one past half its idle window.
func (s *Server) limiterFor(ip string) *rate.Limiter {
	now := s.now()
	if lim, exp, ok := s.limiters.GetWithExpiry(ip); ok && exp.Sub(now) > limiterIdle/2 {
		return lim
	}
	return s.limiters.Update(ip, func(cur *rate.Limiter, ok bool) (*rate.Limiter, time.Time) {
		if !ok {
			cur = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		}
		return cur, now.Add(limiterIdle)
	})
}

// requireCSRF enforces the double submit of the csrf cookie and an
// allow-listed Origin, falling back to the Referer's origin.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie := cookieValue(r, csrfCookie)
		header := r.Header.Get(csrfHeader)
		if cookie == "" || subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			s.writeError(w, r, errCSRF)
			return
		}
		if !s.originAllowed(requestOrigin(r)) {
			s.writeError(w, r, errCSRF)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return strings.TrimRight(o, "/")
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
