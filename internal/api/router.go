package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/metrics"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// NewRouter mounts the broadcast API, health and metrics endpoints.
func NewRouter(h *Handler, limiter RateLimiter, logger *zap.Logger, checks map[string]HealthCheck) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/api/v1/broadcast", func(r chi.Router) {
		r.With(RateLimitMiddleware(limiter, logger, AccountKeyFunc)).Post("/dispatch", h.Dispatch)
		r.Get("/check", h.Check)
		r.Post("/health", h.Check)
		r.Get("/stats", h.Stats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(name + " unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
