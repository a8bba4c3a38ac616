package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/metrics"
	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// unmatchedRoute labels requests no route matched, so repository names and
// lock ids never become label values.
const unmatchedRoute = "unmatched"

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// MetricsMiddleware creates a middleware that records HTTP metrics. The
// route label is read once routing has finished.
func MetricsMiddleware(m *metrics.Metrics, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestsInFlight.WithLabelValues(r.Method).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(r.Method).Dec()

			rw := newResponseWriter(w)

			record := func() {
				route := getRoutePattern(r)
				status := strconv.Itoa(rw.statusCode)

				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
				m.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
				if r.ContentLength > 0 {
					m.HTTPRequestSizeBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
				}
				if rw.bytesWritten > 0 {
					m.HTTPResponseSizeBytes.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
				}
			}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic in HTTP handler",
						zap.String("method", r.Method),
						zap.String("route", getRoutePattern(r)),
						zap.Any("error", err),
					)
					rw.statusCode = http.StatusInternalServerError
					record()

					// Re-panic so RecovererMiddleware writes the response.
					panic(err)
				}
			}()

			next.ServeHTTP(rw, r)
			record()
		})
	}
}

// getRoutePattern returns the chi route pattern matched by r.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

// LoggingMiddleware creates a middleware that logs HTTP requests. Server
// errors are logged at warn level.
func LoggingMiddleware(logger *zap.Logger, serverName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log := logger.Info
			if ww.Status() >= http.StatusInternalServerError {
				log = logger.Warn
			}
			log("HTTP request",
				zap.String("server", serverName),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", getRoutePattern(r)),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// HealthCheckMetricsMiddleware creates a middleware that records the outcome
// of the probe it wraps.
func HealthCheckMetricsMiddleware(m *metrics.Metrics, checkName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.ObserveHealthCheck(checkName, rw.statusCode == http.StatusOK, start)
		})
	}
}

// RecovererMiddleware creates a middleware that recovers from panics and
// answers with a locking API error body. The panic value is logged, never
// returned to the client.
func RecovererMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				requestID := middleware.GetReqID(r.Context())
				logger.Error("Panic recovered",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID),
					zap.Any("error", err),
				)

				w.Header().Set("Content-Type", model.MediaType)
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(model.ErrorResponse{
					Message:   "internal server error",
					RequestID: requestID,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
