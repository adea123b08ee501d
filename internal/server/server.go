package server

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/bus"
	"github.com/Tyrowin/relaychat/internal/chat"
)

// Pinger is anything whose liveness the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusStatus is the view of the bus bridge the health endpoint needs.
type BusStatus interface {
	Pinger
	State() bus.State
}

// RouteRegistrar mounts additional endpoints, such as the account API.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Deps are the collaborators a Server is assembled from.
type Deps struct {
	Hub      *Hub
	Messages chat.MessageStore
	Database Pinger
	Bus      BusStatus
	Accounts RouteRegistrar
}

// Server serves the WebSocket endpoint and the HTTP API around it.
type Server struct {
	cfg      Config
	hub      *Hub
	messages chat.MessageStore
	database Pinger
	bus      BusStatus
	accounts RouteRegistrar
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New returns a Server for cfg.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	log = log.With().Str("component", "server").Logger()
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	return &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		messages: deps.Messages,
		database: deps.Database,
		bus:      deps.Bus,
		accounts: deps.Accounts,
		origins:  origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		log: log,
	}
}

// Hub returns the session hub behind the WebSocket endpoint.
func (s *Server) Hub() *Hub {
	return s.hub
}
