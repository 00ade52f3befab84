package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codecollab/internal/api"
	"codecollab/internal/metrics"
	"codecollab/internal/rooms"
)

// New assembles the HTTP surface: room CRUD, the two WebSocket channels,
// health, and metrics.
func New(h *api.Handlers, roomHandler *rooms.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(metrics.Middleware("codecollab"))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// Plain REST calls get a request timeout. The WebSocket endpoints stay
	// outside it; they are long-lived.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Route("/api/v1/rooms", roomHandler.Routes)
	})

	r.Get("/ws/collab", h.CollabWS)
	r.Get("/ws/doc/{roomID}", h.DocWS)

	return r
}
