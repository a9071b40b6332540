package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/outfold/dispatch/app"
	"github.com/outfold/dispatch/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(5 * time.Minute))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	generateHandler := handlers.NewGenerateHandler(deps.Dispatcher, deps.Logger)
	rolesHandler := handlers.NewRolesHandler(deps.Resolver, deps.Registry, deps.Logger)
	usageHandler := handlers.NewUsageHandler(deps.Usage, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.Version)

	// Health check endpoint
	r.Get("/healthz", healthHandler.HandleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Post("/generate", generateHandler.HandleGenerate)
		r.Post("/generate/object", generateHandler.HandleGenerateObject)
		r.Get("/roles", rolesHandler.HandleListRoles)
		r.Get("/usage", usageHandler.HandleUsageTotals)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
