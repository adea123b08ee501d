package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/bus"
	"github.com/Tyrowin/relaychat/internal/chat"
)

const healthCheckTimeout = 2 * time.Second

//go:embed testpage.html
var testPage []byte

// WebSocketHandler upgrades the request and runs admission for the new
// connection. The credential is read from the access cookie or a bearer
// header; a rejected connection is closed with CloseUnauthorized before any
// application frame is sent.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg, s.log)
	if !s.hub.Go(client.writePump) {
		// Upgraded after shutdown began: say goodbye on this goroutine.
		client.Close(CloseGoingAway, ReasonShutdown)
		client.writePump()
		return
	}

	session, err := s.hub.Admit(s.hub.Context(), auth.CredentialFromRequest(r), client)
	if err != nil {
		return
	}
	if !s.hub.Go(func() { client.readPump(s.hub.Context(), session) }) {
		session.Close(CloseGoingAway, ReasonShutdown)
	}
}

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	ServerID    string            `json:"serverId"`
	Connections int               `json:"connections"`
	Services    map[string]string `json:"services"`
}

// HealthHandler reports the store, the bus link and the local connection
// count. It answers 200 only when every service is ok.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   chat.FormatTimestamp(time.Now()),
		ServerID:    s.cfg.ServerID,
		Connections: s.hub.Registry().Size(),
		Services: map[string]string{
			"database":  "ok",
			"bus":       "ok",
			"websocket": "ok",
		},
	}

	failed := 0
	if err := s.database.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("database health check failed")
		resp.Services["database"] = "error"
		failed++
	}
	if err := s.bus.Ping(ctx); err != nil || s.bus.State() != bus.StateConnected {
		s.log.Error().Err(err).Str("state", s.bus.State().String()).Msg("bus health check failed")
		resp.Services["bus"] = "error"
		failed++
	}

	status := http.StatusOK
	switch failed {
	case 0:
	case 1:
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	default:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// MessagesHandler returns the same history window a new connection receives.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.messages.RecentHistory(r.Context(), s.cfg.HistoryLimit)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", string(chat.TypeHistory)).Msg("failed to load messages")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get messages"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]chat.Record{"messages": chat.NewHistory(records).Messages})
}

// TestPageHandler serves a small browser client for trying the server by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(testPage); err != nil {
		s.log.Debug().Err(err).Msg("error writing test page")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("error writing JSON response")
	}
}
