package server

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Registry is the process-local table of live sessions keyed by connection
// handle. It is the only shared mutable structure of the chat core; every
// method is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      zerolog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// Register adds s under its handle. It reports false, and changes nothing, if
// the handle is already present.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	if _, exists := r.sessions[s.handle]; exists {
		r.mu.Unlock()
		r.log.Warn().Str("handle", s.handle).Msg("duplicate registration ignored")
		return false
	}
	r.sessions[s.handle] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug().Str("handle", s.handle).Int64("user_id", s.identity.UserID).Int("sessions", count).Msg("session registered")
	return true
}

// Unregister removes the entry for handle and reports whether one existed.
func (r *Registry) Unregister(handle string) bool {
	r.mu.Lock()
	_, exists := r.sessions[handle]
	delete(r.sessions, handle)
	count := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		r.log.Debug().Str("handle", handle).Msg("unregister of unknown handle ignored")
		return false
	}
	r.log.Debug().Str("handle", handle).Int("sessions", count).Msg("session unregistered")
	return true
}

// Lookup returns the session registered under handle.
func (r *Registry) Lookup(handle string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[handle]
	return s, ok
}

// Size is the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BroadcastLocal queues payload on every registered session except the one
// registered under exclude (empty excludes nobody) and returns how many
// accepted it. Delivery works on a snapshot, so it never holds the registry
// lock while touching a connection. Sessions whose send path fails are
// evicted without affecting the others.
func (r *Registry) BroadcastLocal(payload []byte, exclude string) int {
	var failed []*Session
	delivered := 0

	for _, s := range r.snapshot() {
		if exclude != "" && s.handle == exclude {
			continue
		}
		if r.safeDeliver(s, payload) {
			delivered++
		} else {
			failed = append(failed, s)
		}
	}

	r.removeFailedSessions(failed)
	return delivered
}

// CloseAll closes every registered session with the given code and waits for
// the closes to finish. It returns the number of sessions closed.
func (r *Registry) CloseAll(code int, reason string) int {
	sessions := r.snapshot()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(code, reason)
		}()
	}
	wg.Wait()

	r.log.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
	return len(sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

func (r *Registry) safeDeliver(s *Session, payload []byte) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("handle", s.handle).Msg("recovered from panic while delivering")
			ok = false
		}
	}()
	return s.deliver(payload)
}

func (r *Registry) removeFailedSessions(failed []*Session) {
	for _, s := range failed {
		r.log.Warn().Str("handle", s.handle).Int64("user_id", s.identity.UserID).Msg("evicting session with full send buffer")
		s.evict()
	}
}
