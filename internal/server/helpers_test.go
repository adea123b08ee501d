package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// fakeOutbound records what a session sends. With full set, every Send fails.
type fakeOutbound struct {
	mu     sync.Mutex
	sent   [][]byte
	full   bool
	closes int
	code   int
	reason string
}

func (f *fakeOutbound) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closes > 0 {
		return false
	}
	f.sent = append(f.sent, payload)
	return true
}

func (f *fakeOutbound) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes == 0 {
		f.code = code
		f.reason = reason
	}
	f.closes++
}

func (f *fakeOutbound) setFull(full bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = full
}

func (f *fakeOutbound) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeOutbound) closed() (code int, reason string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason, f.closes
}

// types decodes the "type" field of every payload sent so far.
func (f *fakeOutbound) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, p := range f.payloads() {
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(p, &probe))
		out = append(out, probe.Type)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []chat.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt chat.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) published() []chat.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Event(nil), p.events...)
}

func (p *recordingPublisher) messages() []string {
	var out []string
	for _, evt := range p.published() {
		out = append(out, evt.Message)
	}
	return out
}

// gatedPublisher holds back the publish of one message until gate is closed.
type gatedPublisher struct {
	recordingPublisher
	hold    string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedPublisher(hold string) *gatedPublisher {
	return &gatedPublisher{hold: hold, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (p *gatedPublisher) Publish(ctx context.Context, evt chat.Event) error {
	if evt.Message == p.hold {
		p.once.Do(func() { close(p.entered) })
		<-p.gate
	}
	return p.recordingPublisher.Publish(ctx, evt)
}

func newTestHub(auth chat.Authenticator, messages chat.MessageStore, publisher Publisher) *Hub {
	return NewHub(NewRegistry(zerolog.Nop()), auth, messages, publisher, HubOptions{
		HistoryLimit:     50,
		AdmissionTimeout: time.Second,
		PublishTimeout:   time.Second,
		SendBuffer:       8,
	}, zerolog.Nop())
}

// activeSession registers an Active session without going through the ports.
func activeSession(t *testing.T, h *Hub, out Outbound, identity chat.Identity) *Session {
	t.Helper()
	s := newSession(h, out)
	s.authenticate(identity)
	require.True(t, h.registry.Register(s))
	require.True(t, s.activate([]byte(`{"type":"history","messages":[]}`)))
	s.markJoined()
	return s
}
