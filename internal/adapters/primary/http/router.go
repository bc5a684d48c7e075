package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/dattmumas/lnked-realtime/internal/adapters/primary/http/middleware"
	"github.com/dattmumas/lnked-realtime/internal/auth"
)

// RouterDeps carries the handlers and middleware the router mounts.
type RouterDeps struct {
	Logger         *slog.Logger
	TokenManager   *auth.TokenManager
	AdminRole      string
	AllowedOrigins []string

	// Rate limiters are optional; nil disables limiting for that group.
	GeneralLimiter *mw.RateLimiter
	AdminLimiter   *mw.RateLimiter

	Health    *HealthHandler
	WebSocket http.Handler
	Realtime  *RealtimeHandler
	Admin     *AdminHandler
}

// NewRouter builds the HTTP surface of the realtime service.
func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(d.Logger))
	r.Use(mw.RecoveryLogger(d.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(d.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if d.GeneralLimiter != nil {
		r.Use(d.GeneralLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	d.Health.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		// Authentication is handled inside the websocket handler
		r.Get("/ws", d.WebSocket.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(d.TokenManager))
			r.Route("/realtime", d.Realtime.RegisterRoutes)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mw.RequireRole(d.AdminRole))
				if d.AdminLimiter != nil {
					r.Use(d.AdminLimiter.Middleware)
				}
				d.Admin.RegisterRoutes(r)
			})
		})
	})

	return r
}

// corsOrigins turns websocket host patterns into CORS origin patterns.
func corsOrigins(hosts []string) []string {
	if len(hosts) == 0 {
		return []string{"*"}
	}
	origins := make([]string, 0, len(hosts)*2)
	for _, h := range hosts {
		origins = append(origins, "https://"+h, "http://"+h)
	}
	return origins
}
