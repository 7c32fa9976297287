package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-codegate/internal/domain"
)

type contextKey string

const sessionKey contextKey = "session"

// SessionResolver turns a session token into a verified session.
type SessionResolver interface {
	Resolve(token string) (*domain.Session, error)
}

// RequireSession rejects requests without a valid session with a JSON 401.
// A session already placed in the context by Gate is reused.
func RequireSession(resolver SessionResolver, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := SessionFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			sess, ok := resolveRequest(resolver, r, cookieName)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext extracts the verified session from the request context.
func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*domain.Session)
	return s, ok
}

// resolveRequest reads the session cookie, falling back to a Bearer header.
func resolveRequest(resolver SessionResolver, r *http.Request, cookieName string) (*domain.Session, bool) {
	token := tokenFromRequest(r, cookieName)
	if token == "" {
		return nil, false
	}
	sess, err := resolver.Resolve(token)
	if err != nil {
		return nil, false
	}
	return sess, true
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
