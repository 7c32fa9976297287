package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-codegate/internal/config"
	"github.com/go-codegate/internal/transport/http/handler"
	appmiddleware "github.com/go-codegate/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router. ctx bounds the
// lifetime of background cleanup started by the router's middleware.
func NewRouter(ctx context.Context, cfg *config.Config, deps *Deps) (http.Handler, error) {
	var hintDomains []string
	if cfg.RevealAllowedDomains {
		hintDomains = cfg.AllowedEmailDomains
	}
	pagesH, err := handler.NewPageHandler(hintDomains)
	if err != nil {
		return nil, fmt.Errorf("load page templates: %w", err)
	}
	healthH := handler.NewHealthHandler()
	authH := handler.NewAuthHandler(deps.Auth, deps.Users, handler.CookieOptions{
		Name:   cfg.SessionCookieName,
		Secure: cfg.SessionSecureCookies,
		TTL:    deps.Sessions.TTL(),
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	r.Use(appmiddleware.SecurityHeaders(strings.HasPrefix(cfg.AppBaseURL, "https://"), appmiddleware.DefaultCSP))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appmiddleware.Gate(deps.Sessions, appmiddleware.GateOptions{
		LoginPath:  "/login",
		HomePath:   "/",
		CookieName: cfg.SessionCookieName,
	}))

	trusted, err := appmiddleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	ipRL := appmiddleware.NewRateLimiter(ctx, rate.Limit(cfg.IPRateLimitRPS), cfg.IPRateLimitBurst, trusted)

	r.Get("/healthz", healthH.Healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Handle("/static/*", handler.Static())

	r.Get("/login", pagesH.Login)
	r.Get("/", pagesH.Home)

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(ipRL.Limit)

		r.Post("/request-code", authH.RequestCode)
		r.Post("/verify", authH.Verify)
		r.Post("/logout", authH.Logout)
		r.With(appmiddleware.RequireSession(deps.Sessions, cfg.SessionCookieName)).Get("/session", authH.Session)
	})

	return r, nil
}
