package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/elbrit-dev/queryflow/internal/middleware"
)

// RouterConfig wires the cross-cutting middleware around the handler.
// A nil Validator leaves /v1 unauthenticated; a nil RateLimiter disables
// rate limiting. Both stay nil only in tests and local development.
type RouterConfig struct {
	Handler     *Handler
	Validator   middleware.JWTValidator
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
}

// NewRouter builds the HTTP routing table. /healthz stays outside the
// auth gate so liveness probes need no token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", cfg.Handler.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Validator != nil {
			r.Use(middleware.Auth(cfg.Validator))
		}
		r.Post("/pipeline/execute", cfg.Handler.Execute)
		r.Post("/pipeline/load", cfg.Handler.Load)
		r.Get("/queries/{queryID}/freshness", cfg.Handler.Freshness)
		r.Post("/queries/refresh", cfg.Handler.Refresh)
		r.Delete("/queries/{queryID}/cache", cfg.Handler.InvalidateCache)
		r.Delete("/sessions/{sessionID}", cfg.Handler.ResetSession)
		r.Get("/runs", cfg.Handler.Runs)
	})

	return r
}
