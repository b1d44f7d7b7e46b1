// Package handlers contains the HTTP side of the bot: health, metrics and the alert stream.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"coinalert/internal/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response is the JSON body of the health endpoint
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health checks the store and any other registered dependency
type Health struct {
	checks  map[string]Pinger
	timeout time.Duration
	log     *zap.Logger
}

// NewHealth creates a health handler for the named dependencies
func NewHealth(checks map[string]Pinger, log *zap.Logger) *Health {
	return &Health{checks: checks, timeout: 2 * time.Second, log: logger.OrNop(log)}
}

// ServeHTTP answers 200 when every dependency responds, 503 otherwise
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := Response{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// NewRouter wires the health, metrics and stream endpoints. stream may be nil.
func NewRouter(health *Health, stream *Stream) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health)
	mux.Handle("GET /metrics", promhttp.Handler())
	if stream != nil {
		mux.Handle("GET /alerts/stream", stream)
	}
	return mux
}
