package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// Publisher sends events to every process sharing the bus, this one
// included. *bus.Bridge implements it.
type Publisher interface {
	Publish(ctx context.Context, evt chat.Event) error
}

// HubOptions bounds admission and publishing.
type HubOptions struct {
	HistoryLimit     int
	AdmissionTimeout time.Duration
	PublishTimeout   time.Duration
	SendBuffer       int
}

func (o HubOptions) withDefaults() HubOptions {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.AdmissionTimeout <= 0 {
		o.AdmissionTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Hub admits connections, runs their sessions against the ports, and drains
// them on shutdown.
type Hub struct {
	registry  *Registry
	auth      chat.Authenticator
	messages  chat.MessageStore
	publisher Publisher
	opts      HubOptions
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders Go against the start of Shutdown so that wg.Add never
	// races wg.Wait.
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewHub creates a Hub around registry and the given ports.
func NewHub(registry *Registry, auth chat.Authenticator, messages chat.MessageStore, publisher Publisher, opts HubOptions, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:  registry,
		auth:      auth,
		messages:  messages,
		publisher: publisher,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "hub").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Context is canceled once the hub has shut down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Go runs fn on a goroutine that Shutdown waits for. Once Shutdown has
// begun it refuses and returns false without running fn.
func (h *Hub) Go(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

// Admit runs admission for a new connection whose send path is out. On
// success the session is registered, has been sent its history, and its
// "joined" notice has been published. On failure out has been closed: with
// CloseUnauthorized when the credential is rejected or admission times out,
// with CloseInternalError when history cannot be read.
func (h *Hub) Admit(ctx context.Context, credential string, out Outbound) (*Session, error) {
	s := newSession(h, out)

	actx, cancel := context.WithTimeout(ctx, h.opts.AdmissionTimeout)
	defer cancel()

	identity, err := h.auth.Resolve(actx, credential)
	if err != nil {
		s.reject(CloseUnauthorized, ReasonUnauthorized)
		h.log.Info().Err(err).Str("handle", s.handle).Msg("connection rejected")
		return nil, fmt.Errorf("%w: %w", chat.ErrUnauthorized, err)
	}
	s.authenticate(identity)

	if !h.registry.Register(s) {
		s.reject(CloseInternalError, "duplicate connection handle")
		return nil, fmt.Errorf("register session %s: duplicate handle", s.handle)
	}
	// Checked after registering so that a concurrent Shutdown either sees
	// this session in its snapshot or is seen here.
	if h.closing.Load() {
		h.registry.Unregister(s.handle)
		s.reject(CloseGoingAway, ReasonShutdown)
		return nil, chat.ErrSessionClosed
	}

	history, err := h.history(actx)
	if err != nil {
		h.registry.Unregister(s.handle)
		code, reason := admissionCloseCode(actx, err)
		s.reject(code, reason)
		h.log.Error().Err(err).
			Int64("user_id", identity.UserID).
			Str("event_type", string(chat.TypeHistory)).
			Msg("failed to load history during admission")
		return nil, err
	}

	if !s.activate(history) {
		return nil, chat.ErrSessionClosed
	}
	h.log.Info().
		Str("handle", s.handle).
		Int64("user_id", identity.UserID).
		Str("user", identity.DisplayName).
		Int("sessions", h.registry.Size()).
		Msg("session admitted")

	_ = h.publish(ctx, chat.JoinedEvent(identity.DisplayName, h.now()), identity.UserID)
	s.markJoined()
	return s, nil
}

func (h *Hub) history(ctx context.Context) ([]byte, error) {
	records, err := h.messages.RecentHistory(ctx, h.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(chat.NewHistory(records))
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return payload, nil
}

// publish sends evt under the publish timeout. The bus bridge already retries;
// a failure here is logged with the user and event type and returned.
func (h *Hub) publish(ctx context.Context, evt chat.Event, userID int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.PublishTimeout)
	defer cancel()

	if err := h.publisher.Publish(ctx, evt); err != nil {
		h.log.Error().Err(err).
			Int64("user_id", userID).
			Str("event_type", string(evt.Type)).
			Msg("failed to publish event")
		return err
	}
	return nil
}

// Shutdown refuses new admissions, closes every session with CloseGoingAway,
// and waits for connection goroutines started with Go. It returns
// context.DeadlineExceeded if they do not finish within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")
	h.mu.Lock()
	h.closing.Store(true)
	h.mu.Unlock()

	h.registry.CloseAll(CloseGoingAway, ReasonShutdown)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	defer h.cancel()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Dur("timeout", timeout).Msg("hub shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}
