package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-codegate/internal/application/auth"
	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/pkg/validate"
	"github.com/go-codegate/internal/transport/http/middleware"
)

const maxBodyBytes = 4 << 10

type userLookup interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// CookieOptions controls the session cookie written on sign-in.
type CookieOptions struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// AuthHandler serves the code request, verify, logout and session endpoints.
type AuthHandler struct {
	svc    auth.Service
	users  userLookup
	cookie CookieOptions
	now    func() time.Time
}

func NewAuthHandler(svc auth.Service, users userLookup, cookie CookieOptions) *AuthHandler {
	return &AuthHandler{svc: svc, users: users, cookie: cookie, now: time.Now}
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req domain.RequestCodeRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "a valid email address is required")
		return
	}
	res, err := h.svc.RequestCode(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, err, h.now())
		return
	}
	writeJSON(w, http.StatusOK, RequestCodeEnvelope{
		Message:   "check your email for a sign-in code",
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyCodeRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}
	res, err := h.svc.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		writeServiceError(w, r, err, h.now())
		return
	}
	http.SetCookie(w, h.sessionCookie(res.Token, res.ExpiresAt))
	writeJSON(w, http.StatusOK, SignInEnvelope{Redirect: "/", User: res.User, ExpiresAt: res.ExpiresAt})
}

// Logout clears the cookie. Tokens are stateless, so a copied token stays valid until it expires.
func (h *AuthHandler) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "signed out"})
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := h.users.GetByEmail(r.Context(), sess.Email)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err != nil {
		writeServiceError(w, r, err, h.now())
		return
	}
	out := *sess
	out.User = u
	writeJSON(w, http.StatusOK, SessionEnvelope{Session: &out})
}

func (h *AuthHandler) sessionCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cookie.TTL / time.Second),
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
