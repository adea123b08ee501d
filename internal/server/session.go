package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// SessionState is a step of a connection's lifecycle. Transitions only move
// forward: Connecting, Authenticated, Active, Closing, Closed.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session is the live state of one admitted connection.
type Session struct {
	hub       *Hub
	handle    string
	out       Outbound
	createdAt time.Time

	// identity is set once before the session is registered.
	identity chat.Identity

	// joined is closed once the "joined" notice has been published. A
	// "left" notice is never published before it.
	joined     chan struct{}
	joinedOnce sync.Once

	mu      sync.Mutex
	state   SessionState
	pending [][]byte
}

func newSession(h *Hub, out Outbound) *Session {
	return &Session{
		hub:       h,
		handle:    uuid.NewString(),
		out:       out,
		createdAt: h.now(),
		state:     StateConnecting,
		joined:    make(chan struct{}),
	}
}

// Handle is the connection handle the session is registered under.
func (s *Session) Handle() string { return s.handle }

// Identity is the user the connection was admitted as.
func (s *Session) Identity() chat.Identity { return s.identity }

// CreatedAt is when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) authenticate(identity chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.state = StateAuthenticated
}

// activate sends the history payload, then everything broadcast to the
// session while it was still authenticating, and marks it Active. It reports
// false if the session was closed in the meantime.
func (s *Session) activate(history []byte) bool {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return false
	}

	overflow := !s.out.Send(history)
	for _, payload := range s.pending {
		if overflow {
			break
		}
		overflow = !s.out.Send(payload)
	}
	s.pending = nil
	s.state = StateActive
	s.mu.Unlock()

	if overflow {
		s.hub.log.Warn().Str("handle", s.handle).Int64("user_id", s.identity.UserID).Msg("send buffer overflow during admission")
		s.evict()
	}
	return true
}

func (s *Session) markJoined() {
	s.joinedOnce.Do(func() { close(s.joined) })
}

// reject ends a session that never became Active.
func (s *Session) reject(code int, reason string) {
	s.mu.Lock()
	s.state = StateClosed
	s.pending = nil
	s.mu.Unlock()
	s.out.Close(code, reason)
}

// deliver queues a broadcast payload for the client. Before the history has
// been sent the payload is held back; once the session is closing it is
// dropped. It reports false only when the client's buffer is full.
func (s *Session) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAuthenticated:
		if len(s.pending) >= s.hub.opts.SendBuffer {
			return false
		}
		s.pending = append(s.pending, payload)
		return true
	case StateActive:
		return s.out.Send(payload)
	default:
		return true
	}
}

// HandleFrame processes one inbound frame. A valid chat request is persisted
// and then published; the sender sees it when it comes back over the bus.
// Malformed frames return an error wrapping chat.ErrMalformedFrame and leave
// the session untouched.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	if s.State() != StateActive {
		return chat.ErrSessionClosed
	}

	text, err := chat.ParseRequest(data)
	if err != nil {
		s.hub.log.Debug().Err(err).Str("handle", s.handle).Int64("user_id", s.identity.UserID).Msg("dropping malformed frame")
		return err
	}

	stored, err := s.hub.messages.Store(ctx, s.identity.UserID, text)
	if err != nil {
		s.hub.log.Error().Err(err).
			Int64("user_id", s.identity.UserID).
			Str("event_type", string(chat.TypeChat)).
			Msg("failed to store message")
		return err
	}

	return s.hub.publish(ctx, chat.NewChatEvent(s.identity, text, stored), s.identity.UserID)
}

// Close tears the session down: it leaves the registry, announces the
// departure if the session had been active, and closes the connection with
// code and reason. Only the first call has any effect; it reports whether a
// registry entry was removed.
func (s *Session) Close(code int, reason string) bool {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosing || prev == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.pending = nil
	s.mu.Unlock()

	removed := s.hub.registry.Unregister(s.handle)
	if removed && prev == StateActive {
		<-s.joined
		_ = s.hub.publish(context.Background(), chat.LeftEvent(s.identity.DisplayName, s.hub.now()), s.identity.UserID)
	}
	s.out.Close(code, reason)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.hub.log.Info().
		Str("handle", s.handle).
		Int64("user_id", s.identity.UserID).
		Int("code", code).
		Dur("connected_for", s.hub.now().Sub(s.createdAt)).
		Msg("session closed")
	return removed
}

// evict closes a session whose client cannot keep up. It runs asynchronously
// so the broadcaster is never held up by the leave notification.
func (s *Session) evict() {
	go s.Close(ClosePolicyViolation, ReasonSlowConsumer)
}

func admissionCloseCode(ctx context.Context, err error) (int, string) {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chat.ErrUnauthorized) {
		return CloseUnauthorized, ReasonUnauthorized
	}
	return CloseInternalError, ReasonHistory
}
