package httpapi

import (
	"net/http"

	"github.com/MrEthical07/tenantauth"
)

const (
	refreshCookie = "rt"
	csrfCookie    = "csrf"
	csrfHeader    = "X-Csrf-Token"
)

func (s *Server) secure(r *http.Request) bool {
	return r.TLS != nil || s.cfg.SecureCookies
}

func (s *Server) setSessionCookies(w http.ResponseWriter, r *http.Request, sess *tenantauth.Session) {
	maxAge := int(s.refreshTTL.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    sess.RefreshToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure(r),
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    sess.CSRFToken,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   s.secure(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	for _, name := range []string{refreshCookie, csrfCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == refreshCookie,
			Secure:   s.secure(r),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
