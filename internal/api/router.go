package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/metrics"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Handler        *Handler
	Limiter        Limiter // nil disables rate limiting
	Health         func(ctx context.Context) error
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// NewRouter builds the chi router. The delivery stream is long-lived and
// sits outside the request timeout.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := cfg.Handler
	logger := cfg.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, logger, IPKeyFunc))

		r.Get("/deliveries", h.StreamDeliveries)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Get("/feed", h.GetFeed)
			r.Get("/feed/unread", h.GetUnread)

			r.Post("/notifications/read-all", h.MarkAllRead)
			r.Post("/notifications/{id}/read", h.MarkRead)
			r.Delete("/notifications/{id}", h.DeleteNotification)
			r.Delete("/notifications", h.ClearAll)

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences/{category}", h.UpdatePreference)

			r.Post("/refresh", h.Refresh)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeProblem(w, http.StatusServiceUnavailable, "unhealthy", "Service unhealthy", err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
