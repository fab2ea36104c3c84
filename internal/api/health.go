package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanochat/nanochat/internal/errcode"
)

// pinger checks one backing service.
type pinger func(ctx context.Context) error

// checkTimeout bounds each dependency probe.
const checkTimeout = 5 * time.Second

// dependencyCheck is the per-service result in the detailed health report.
type dependencyCheck struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type healthHandler struct {
	checks  map[string]pinger
	version string
	env     string
	logger  *slog.Logger
}

// health handles GET /health: a cheap liveness probe with no dependency
// traffic, for Docker/Kubernetes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness returns a /ready handler that verifies the primary database
// answers before the instance accepts traffic.
func readiness(dbPing pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if dbPing != nil {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := dbPing(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// detailed handles GET /api/v1/health: probes every backing service
// concurrently and reports per-service latency. Any failing dependency
// degrades the overall status and the response code.
func (h *healthHandler) detailed(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]dependencyCheck, len(h.checks))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(r.Context())
	for name, check := range h.checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := check(checkCtx)
			latency := float64(time.Since(start).Microseconds()) / 1000

			result := dependencyCheck{Status: "up", LatencyMS: latency}
			if err != nil {
				result.Status = "down"
				result.Error = err.Error()
				h.logger.Warn("health check failed", "service", name, "error", err)
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := "healthy"
	code := errcode.OK
	httpStatus := http.StatusOK
	for _, result := range results {
		if result.Status == "down" {
			status = "degraded"
			code = errcode.ServiceUnavailable
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, httpStatus, envelope{
		Code:    code,
		Message: errcode.Message(code),
		Data: map[string]any{
			"status":      status,
			"version":     h.version,
			"environment": h.env,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"services":    results,
		},
		RequestID: requestIDFromContext(r.Context()),
	})
}
