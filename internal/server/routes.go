package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/handlers"
	"github.com/n3tuk/lfs-lock-service/internal/health"
	"github.com/n3tuk/lfs-lock-service/internal/metrics"
	"github.com/n3tuk/lfs-lock-service/internal/middleware"
)

// setupAPIRoutes configures the API server routes.
func setupAPIRoutes(r *chi.Mux, logger *zap.Logger, locks *handlers.LockHandlers) {
	r.Get("/ping", handlePing(logger))
	locks.Register(r)
}

// setupProbeRoutes configures the probe server routes.
func setupProbeRoutes(r *chi.Mux, logger *zap.Logger, manager *health.Manager, m *metrics.Metrics) {
	r.With(middleware.HealthCheckMetricsMiddleware(m, "startup")).
		Get("/healthz/startup", func(w http.ResponseWriter, r *http.Request) {
			resp := manager.GetStartupStatus(r.Context())
			writeProbe(w, logger, "startup", resp.Status == health.StatusOK, resp)
		})

	r.With(middleware.HealthCheckMetricsMiddleware(m, "live")).
		Get("/healthz/live", func(w http.ResponseWriter, r *http.Request) {
			resp := manager.GetLivenessStatus()
			writeProbe(w, logger, "live", resp.Status == health.StatusOK, resp)
		})

	r.With(middleware.HealthCheckMetricsMiddleware(m, "ready")).
		Get("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
			resp := manager.GetReadinessStatus(r.Context())
			writeProbe(w, logger, "ready", resp.Ready, resp)
		})
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(map[string]string{"status": "pong"}); err != nil {
			logger.Error("Failed to encode ping response", zap.Error(err))
		}
	}
}

// writeProbe writes a probe response, answering 503 when the probe failed.
func writeProbe(w http.ResponseWriter, logger *zap.Logger, probe string, ok bool, body any) {
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to write health check response",
			zap.String("type", probe),
			zap.Error(err))
	}
}
