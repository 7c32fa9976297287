package handler

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-codegate/internal/transport/http/middleware"
)

//go:embed templates/*.html
var templateFiles embed.FS

//go:embed static/*
var staticFiles embed.FS

// PageHandler renders the sign-in and home pages.
type PageHandler struct {
	tmpl           *template.Template
	allowedDomains []string
}

func NewPageHandler(allowedDomains []string) (*PageHandler, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &PageHandler{tmpl: tmpl, allowedDomains: allowedDomains}, nil
}

func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	hint := ""
	if len(h.allowedDomains) > 0 {
		hint = "@" + strings.Join(h.allowedDomains, ", @")
	}
	h.render(w, r, "login.html", map[string]any{
		"DomainHint":  hint,
		"Placeholder": "you@" + first(h.allowedDomains, "example.com"),
	})
}

func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	h.render(w, r, "home.html", map[string]any{
		"Email":     sess.Email,
		"ExpiresAt": sess.ExpiresAt,
	})
}

// render executes into a buffer so a template error never leaves a half-written page.
func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		slog.ErrorContext(r.Context(), "render page", "template", name, "err", err)
		http.Error(w, genericFailure, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}

// Static serves the embedded assets under /static/.
func Static() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic("static assets: " + err.Error())
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func first(s []string, fallback string) string {
	if len(s) == 0 {
		return fallback
	}
	return s[0]
}
