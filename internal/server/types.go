package server

import (
	"strings"

	"github.com/gorilla/websocket"
)

// Close codes and reasons sent to clients.
const (
	CloseUnauthorized    = 4001
	CloseGoingAway       = websocket.CloseGoingAway
	CloseInternalError   = websocket.CloseInternalServerErr
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseNormal          = websocket.CloseNormalClosure

	ReasonUnauthorized = "unauthorized"
	ReasonShutdown     = "server shutting down"
	ReasonSlowConsumer = "send buffer full"
	ReasonHistory      = "history unavailable"
)

// Outbound is the send path of one client connection as seen by its session.
// Send must not block; it reports false when the payload could not be queued.
// Close is idempotent.
type Outbound interface {
	Send(payload []byte) bool
	Close(code int, reason string)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
