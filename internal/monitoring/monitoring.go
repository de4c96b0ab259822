// Package monitoring serves Prometheus metrics and a health probe on a
// separate listener from the public API.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmlAEQ/odis-domains/pkg/lifecycle"
	"github.com/zmlAEQ/odis-domains/pkg/metrics"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

type health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Routes returns the monitoring router: /metrics and /health.
func Routes(checks map[string]Check) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)
		h := health{Status: "ok", Checks: map[string]string{}}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				h.Checks[name] = err.Error()
				h.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			h.Checks[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

// New returns the monitoring listener as a lifecycle service.
func New(addr string, checks map[string]Check) *lifecycle.HTTPServer {
	return lifecycle.NewHTTPServer("monitoring", addr, Routes(checks))
}
