package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/conductor/internal/identity"
	"github.com/ashureev/conductor/internal/middleware"
	"github.com/ashureev/conductor/internal/store"
)

// RouterConfig collects the handlers and middleware inputs of the router.
type RouterConfig struct {
	Users       store.UserRepository
	CORSOrigins []string
	IsDev       bool

	Health       *HealthHandler
	Chat         *ChatHandler
	Auth         *AuthHandler
	Jobs         *JobsHandler
	Capabilities *CapabilitiesHandler
	Webhooks     *WebhookHandler
	WebSocket    http.Handler
}

// NewRouter builds the chi router. Health and webhook routes are served
// without owner identity; everything else runs behind identity middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(r)
	}
	if cfg.Webhooks != nil {
		cfg.Webhooks.RegisterRoutes(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.Users, cfg.IsDev))
		if cfg.Chat != nil {
			cfg.Chat.RegisterRoutes(r)
		}
		if cfg.Auth != nil {
			cfg.Auth.RegisterRoutes(r)
		}
		if cfg.Jobs != nil {
			cfg.Jobs.RegisterRoutes(r)
		}
		if cfg.Capabilities != nil {
			cfg.Capabilities.RegisterRoutes(r)
		}
		if cfg.WebSocket != nil {
			r.Get("/ws/chat", cfg.WebSocket.ServeHTTP)
		}
	})

	return r
}
