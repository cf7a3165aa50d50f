package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"panopticon/internal/auth"
	"panopticon/internal/config"
	"panopticon/internal/metrics"
)

const serviceName = "panopticon-auth-server"

// Dependencies are the collaborators served by the router.
type Dependencies struct {
	Auth        *auth.Service
	Guard       *auth.Guard
	Consent     consentURLBuilder
	RateLimiter *RateLimiter
	Metrics     *metrics.Collector
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var recorder requestRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSlogMiddleware(logger, recorder))

	health := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"service":     serviceName,
			"environment": cfg.Environment,
		})
	}
	r.Get("/health", health)

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := NewAuthHandler(deps.Auth, deps.Consent, cfg.Environment, logger)
	userHandler := NewUserHandler(deps.Auth, logger)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/health", health)

		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware)
			}
			r.Post("/oauth/callback", authHandler.OAuthCallback)
			r.Get("/{provider}/login", authHandler.InitiateLogin)
			r.Get("/{provider}/callback", authHandler.ProviderCallback)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", protect(deps.Guard, userHandler.Upsert))
		r.Get("/me", protect(deps.Guard, userHandler.Me))
		r.Get("/{userID}", protect(deps.Guard, userHandler.Get))
		r.Patch("/{userID}", protect(deps.Guard, userHandler.Update))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return r
}
