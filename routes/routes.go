package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-resilience/app"
	"github.com/upb/llm-resilience/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	chat := handlers.NewChatHandler(deps.Chain, deps.Logger)
	provider := handlers.NewProviderHandler(deps.Chain, deps.Logger)
	health := handlers.NewHealthHandler(deps, deps.Chain, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", metricsHandler(deps))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		// Streams may outlive any fixed deadline, so chat has no timeout
		r.Post("/chat", chat.HandleChat)

		r.Route("/providers", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/", provider.HandleList)
			r.Get("/health", provider.HandleList)
			r.Get("/check", provider.HandleCheckAll)
			r.Post("/{id}/test", provider.HandleTest)

			r.With(deps.AuthMiddleware.RequireRole("admin")).Post("/reset", provider.HandleReset)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

// metricsHandler refreshes the limiter gauges before every scrape
func metricsHandler(deps *app.Dependencies) http.Handler {
	next := promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deps.Metrics.ObserveLimits(deps.Chain.Limits())
		next.ServeHTTP(w, r)
	})
}
