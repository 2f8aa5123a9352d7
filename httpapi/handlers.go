package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/middleware"
	"github.com/MrEthical07/tenantauth/tenancy"
)

type sessionResponse struct {
	AccessToken     string              `json:"access"`
	AccessExpiresAt time.Time           `json:"accessExpiresAt"`
	CSRFToken       string              `json:"csrfToken"`
	User            tenantauth.UserView `json:"user"`
	RecoveryCodes   []string            `json:"recoveryCodes,omitempty"`
}

type loginBody struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	TOTP         string `json:"totp"`
	RecoveryCode string `json:"recoveryCode"`
	Captcha      string `json:"captcha"`
}

type codeBody struct {
	Code string `json:"code"`
}

type passwordBody struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type roleBody struct {
	Role string `json:"role"`
}

type impersonateBody struct {
	TenantID string `json:"tenantId"`
	Scope    string `json:"scope"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return tenantauth.ErrInvalidRequest
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return tenantauth.ErrInvalidRequest
	}
	return nil
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, sess *tenantauth.Session, recovery []string) {
	s.setSessionCookies(w, r, sess)
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:     sess.AccessToken,
		AccessExpiresAt: sess.AccessExpiresAt,
		CSRFToken:       sess.CSRFToken,
		User:            sess.User,
		RecoveryCodes:   recovery,
	})
}

func principal(r *http.Request) *tenantauth.Principal {
	p, _ := tenantauth.PrincipalFromContext(r.Context())
	return p
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tenantStatus stays reachable for suspended tenants.
func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	t, _ := tenantauth.TenantFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant": t.Slug,
		"status": string(t.Status),
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.Login(r.Context(), tenantauth.LoginRequest{
		Email:        body.Email,
		Password:     body.Password,
		TOTP:         body.TOTP,
		RecoveryCode: body.RecoveryCode,
		Captcha:      body.Captcha,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, sess, nil)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, refreshCookie)
	if token == "" {
		s.writeError(w, r, tenantauth.ErrInvalidCredentials)
		return
	}
	sess, err := s.engine.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, tenantauth.ErrInvalidCredentials) {
			s.clearSessionCookies(w, r)
		}
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, sess, nil)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if token := cookieValue(r, refreshCookie); token != "" {
		if err := s.engine.Logout(ctx, token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if b := middleware.Bearer(r); b != "" {
		if p, err := s.engine.Authenticate(ctx, b); err == nil {
			if err := s.engine.RevokeAccess(ctx, p); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
	}
	s.clearSessionCookies(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Me(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) mfaSetup(w http.ResponseWriter, r *http.Request) {
	enr, err := s.engine.SetupMFA(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":    enr.Secret,
		"uri":       enr.URI,
		"expiresAt": enr.ExpiresAt,
	})
}

func (s *Server) mfaVerify(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	conf, err := s.engine.ConfirmMFA(r.Context(), principal(r), body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, conf.Session, conf.RecoveryCodes)
}

func (s *Server) mfaReauth(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ReauthMFA(r.Context(), principal(r), body.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.ChangePassword(r.Context(), principal(r), body.CurrentPassword, body.NewPassword)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, sess, nil)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	var body roleBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := identity.ParseRole(body.Role)
	if err != nil {
		s.writeError(w, r, tenantauth.ErrInvalidRequest)
		return
	}
	if err := s.engine.ChangeRole(r.Context(), principal(r), chi.URLParam(r, "id"), role); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) impersonate(w http.ResponseWriter, r *http.Request) {
	var body impersonateBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	scope, err := tenancy.ParseScope(body.Scope)
	if err != nil || body.TenantID == "" {
		s.writeError(w, r, tenantauth.ErrInvalidRequest)
		return
	}
	imp, err := s.engine.Impersonate(r.Context(), principal(r), body.TenantID, scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     imp.Token,
		"expiresAt": imp.ExpiresAt,
		"grantId":   imp.Grant.ID,
		"tenantId":  imp.Grant.TenantID,
		"scope":     imp.Grant.Scope,
	})
}

func (s *Server) revokeImpersonation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeImpersonation(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
