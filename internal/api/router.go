package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(h *Handlers, opts RouterOptions, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Add middleware stack
	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse) // Add X-Request-ID to response headers
	r.Use(middleware.RealIP)
	r.Use(Tracing)
	r.Use(RequestLogger(logger))
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5)) // JSON only; PNG is not in the default type list

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Assets", "X-Cache", "X-Search-Truncated", "Server-Timing"},
		AllowCredentials: false,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/collections", h.Collections)
	r.Route("/collections/{collectionId}", func(r chi.Router) {
		r.Get("/bbox", h.BBox)
		r.Get("/tiles/{z}/{x}/{y}", h.Tile)
		r.Get("/tiles/{z}/{x}/{y}/assets", h.TileAssets)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})

	// 405 handler
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return r
}
