package http

import (
	"github.com/go-codegate/internal/application/auth"
	"github.com/go-codegate/internal/application/session"
	"github.com/go-codegate/internal/application/user"
	"github.com/go-codegate/internal/infrastructure/metrics"
)

// Deps holds the application services the router serves.
type Deps struct {
	Auth     auth.Service
	Sessions session.Service
	Users    user.Service
	// Metrics is optional; /metrics is not mounted without it.
	Metrics *metrics.Metrics
}
