package server

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// Dispatcher is the bus delivery handler. Every event that arrives over the
// bus, including the ones this process published, is broadcast to all local
// sessions from here and nowhere else.
type Dispatcher struct {
	registry *Registry
	seen     *dedupWindow
	log      zerolog.Logger
}

// NewDispatcher returns a Dispatcher broadcasting into registry. Chat events
// whose (server id, message id) pair was among the last window chat events
// are dropped as redeliveries; a window of 0 disables the check.
func NewDispatcher(registry *Registry, window int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		seen:     newDedupWindow(window),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle decodes one bus payload and broadcasts it. Malformed payloads are
// logged and dropped.
func (d *Dispatcher) Handle(payload []byte) {
	evt, err := chat.DecodeEvent(payload)
	if err != nil {
		d.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping malformed bus event")
		return
	}

	if evt.Type == chat.TypeChat && evt.ID != 0 && d.seen.observe(evt.ServerID, evt.ID) {
		d.log.Debug().Int64("id", evt.ID).Str("server_id", evt.ServerID).Msg("dropping duplicate chat event")
		return
	}

	normalized, err := json.Marshal(evt)
	if err != nil {
		d.log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to encode event")
		return
	}

	delivered := d.registry.BroadcastLocal(normalized, "")
	d.log.Debug().
		Str("event_type", string(evt.Type)).
		Str("server_id", evt.ServerID).
		Int("delivered", delivered).
		Msg("broadcast event")
}

type dedupKey struct {
	serverID string
	id       int64
}

// dedupWindow remembers the most recent keys in a fixed ring.
type dedupWindow struct {
	mu   sync.Mutex
	ring []dedupKey
	next int
	keys map[dedupKey]struct{}
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		return nil
	}
	return &dedupWindow{
		ring: make([]dedupKey, 0, size),
		keys: make(map[dedupKey]struct{}, size),
	}
}

// observe records the key and reports whether it was already present. A nil
// window records nothing.
func (w *dedupWindow) observe(serverID string, id int64) bool {
	if w == nil {
		return false
	}
	key := dedupKey{serverID: serverID, id: id}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key]; ok {
		return true
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, key)
	} else {
		delete(w.keys, w.ring[w.next])
		w.ring[w.next] = key
		w.next = (w.next + 1) % len(w.ring)
	}
	w.keys[key] = struct{}{}
	return false
}
