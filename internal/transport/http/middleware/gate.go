package middleware

import (
	"net/http"
	"strings"
)

// DefaultPublic lists the path prefixes that bypass the gate.
var DefaultPublic = []string{"/api/", "/static/", "/favicon.ico", "/healthz", "/metrics"}

type GateOptions struct {
	LoginPath  string
	HomePath   string
	CookieName string
	// Public path prefixes served without a session. Defaults to DefaultPublic.
	Public []string
}

// Gate protects every page outside the public list. Anonymous visitors are
// sent to the login page; signed-in visitors on the login page are sent home.
func Gate(resolver SessionResolver, opts GateOptions) func(http.Handler) http.Handler {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.HomePath == "" {
		opts.HomePath = "/"
	}
	if opts.Public == nil {
		opts.Public = DefaultPublic
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path, opts.Public) {
				next.ServeHTTP(w, r)
				return
			}
			sess, ok := resolveRequest(resolver, r, opts.CookieName)
			onLogin := r.URL.Path == opts.LoginPath
			switch {
			case !ok && !onLogin:
				http.Redirect(w, r, opts.LoginPath, http.StatusSeeOther)
			case ok && onLogin:
				http.Redirect(w, r, opts.HomePath, http.StatusSeeOther)
			case ok:
				next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
