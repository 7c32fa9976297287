// Package metrics provides Prometheus HTTP metrics middleware and sign-in counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	codesIssued      prometheus.Counter
	verifications    *prometheus.CounterVec
	rateLimited      prometheus.Counter
	deliveryFailures prometheus.Counter
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		}),
		codesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_codes_issued_total",
			Help: "Verification codes stored and handed to the mailer",
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_code_verifications_total",
			Help: "Code verification attempts by outcome",
		}, []string{"result"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_rate_limited_total",
			Help: "Code requests rejected by the per-identifier limiter",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_delivery_failures_total",
			Help: "Codes that could not be delivered",
		}),
	}
}

func (m *Metrics) CodeIssued()                 { m.codesIssued.Inc() }
func (m *Metrics) CodeVerification(res string) { m.verifications.WithLabelValues(res).Inc() }
func (m *Metrics) RateLimited()                { m.rateLimited.Inc() }
func (m *Metrics) DeliveryFailed()             { m.deliveryFailures.Inc() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records Prometheus metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// chi's route pattern keeps label cardinality bounded.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
