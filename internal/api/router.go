// Package api serves the operational HTTP surface: a health endpoint backed
// by the alignment worker and the Prometheus metrics exposition.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/llm"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
)

// HealthChecker reports component health. Satisfied by *llm.Worker.
type HealthChecker interface {
	Health(ctx context.Context) llm.HealthReport
}

// RouterConfig holds the dependencies needed to build the HTTP router.
type RouterConfig struct {
	Health HealthChecker
	Logger *zap.Logger
}

// NewRouter builds the Chi router with the standard middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(cfg.Health))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// healthHandler serves the worker's health report. Anything other than "ok"
// maps to 503 so load balancers and compose healthchecks see the degradation.
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := checker.Health(r.Context())

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, report)
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RequestLogger logs each request with method, path, status, and size. Chi's
// middleware.RequestID must run earlier in the chain.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
