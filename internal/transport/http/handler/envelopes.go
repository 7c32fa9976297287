package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-codegate/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RequestCodeEnvelope is returned once a code has been sent.
type RequestCodeEnvelope struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignInEnvelope is returned by a successful verify. The token itself only travels in the cookie.
type SignInEnvelope struct {
	Redirect  string       `json:"redirect"`
	User      *domain.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// SessionEnvelope wraps current-session responses.
type SessionEnvelope struct {
	Session *domain.Session `json:"session"`
}

const genericFailure = "something went wrong, please try again"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// writeServiceError maps a service error to a status code and a message safe to show users.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, now time.Time) {
	var rle *domain.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := int(rle.RetryAfter(now) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, "too many code requests, try again later")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error()))
	case errors.Is(err, domain.ErrInvalidOrExpiredCode):
		writeError(w, http.StatusUnauthorized, domain.ErrInvalidOrExpiredCode.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrInfrastructure):
		slog.ErrorContext(r.Context(), "upstream failure", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, genericFailure)
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, genericFailure)
	}
}
