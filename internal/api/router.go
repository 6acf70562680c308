package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires every endpoint of the service
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	// Public endpoints
	r.Post("/signup", h.Signup)
	r.Post("/login", h.Login)
	r.Get("/quote/{symbol}", h.Quote)

	// WebSocket endpoints
	r.Get("/ws", h.Stream)
	r.Get("/ws/{symbol}", h.Stream)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/users/me", h.GetMe)
		r.Delete("/users/me", h.DeleteMe)
		r.Post("/trade", h.Trade)
		r.Get("/portfolio", h.Portfolio)
		r.Get("/trade-history", h.TradeHistory)
	})

	return r
}
