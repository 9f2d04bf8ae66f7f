package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIServerConfig struct {
	Addr string
	// AllowedOrigins enables CORS and cross-origin websocket upgrades for
	// the listed origins. Empty means same origin only.
	AllowedOrigins []string
	VAPIDPublicKey string
}

type APIServer struct {
	server *http.Server
	hub    *ws.Hub
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, chatService *chat.Service, store api.Store, hub *ws.Hub, cfg APIServerConfig) *APIServer {
	wsServer := ws.NewServer(authService, ws.NewSession(chatService, hub), cfg.AllowedOrigins)
	apiHandlers := api.New(authService, chatService, store, cfg.VAPIDPublicKey)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if len(cfg.AllowedOrigins) == 0 {
				r.Use(api.RequireSameOrigin)
			}
			r.Post("/register", apiHandlers.RegisterHandler)
			r.Post("/login", apiHandlers.LoginHandler)
			r.Post("/logoff", apiHandlers.LogoffHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandlers.RequireAuth)
			r.Get("/me", apiHandlers.MeHandler)
			r.Get("/users", apiHandlers.UsersHandler)
			r.Post("/push/subscribe", apiHandlers.PushSubscribeHandler)
		})

		r.Get("/push/key", apiHandlers.PushKeyHandler)
		r.Get("/ws", wsServer.HandleConnections)
	})

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		hub: hub,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drops live websocket connections,
// which http.Server.Shutdown does not track once hijacked.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}
