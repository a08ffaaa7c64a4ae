package api

import (
	"net/http"

	"github.com/quinnbmay/zenflo-sub001/internal/api/handlers"
	"github.com/quinnbmay/zenflo-sub001/internal/api/middleware"
	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/internal/config"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all relay routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain, limiter *auth.RateLimiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Tracing)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Operator-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuthMiddleware(chain).Handler)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(limiter.Middleware).Post("/auth", h.Authenticate)

		r.Route("/feed", func(r chi.Router) {
			r.Get("/", h.ListFeed)
			r.Post("/", h.AppendFeed)
		})
		r.Post("/inbox/claude-message", h.PostClaudeMessage)

		r.Route("/kv", func(r chi.Router) {
			r.Get("/", h.ListKV)
			r.Get("/{key}", h.GetKV)
			r.Put("/{key}", h.PutKV)
			r.Delete("/{key}", h.DeleteKV)
		})

		r.Post("/sessions/{sessionId}/actions", h.SendAction)
		r.Get("/updates", h.Updates)
		r.Get("/daemon/connect", h.DaemonConnect)

		r.Route("/push", func(r chi.Router) {
			r.Get("/vapid-key", h.VAPIDKey)
			r.Post("/subscriptions", h.SubscribePush)
			r.Delete("/subscriptions/{id}", h.UnsubscribePush)
		})

		r.Post("/admin/accounts", h.RegisterAccount)
	})

	return r
}
