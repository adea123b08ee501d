package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
)

func fastOptions(serverID string) Options {
	return Options{
		Channel:         "test_channel",
		ServerID:        serverID,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

type collector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *collector) events(t *testing.T) []chat.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Event, 0, len(c.payloads))
	for _, p := range c.payloads {
		evt, err := chat.DecodeEvent(p)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestBridgeDeliversToEveryProcessIncludingPublisher(t *testing.T) {
	req := require.New(t)
	broker := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewBridge(broker, fastOptions("node-a"), zerolog.Nop())
	b := NewBridge(broker, fastOptions("node-b"), zerolog.Nop())
	var gotA, gotB collector
	req.NoError(a.Subscribe(ctx, gotA.handle))
	req.NoError(b.Subscribe(ctx, gotB.handle))

	evt := chat.NewChatEvent(chat.Identity{UserID: 1, DisplayName: "alice"}, "hi", chat.Stored{ID: 9, CreatedAt: time.Now()})
	req.NoError(a.Publish(ctx, evt))

	req.Eventually(func() bool { return gotA.count() == 1 && gotB.count() == 1 }, time.Second, 5*time.Millisecond)
	for _, got := range [][]chat.Event{gotA.events(t), gotB.events(t)} {
		req.Equal("hi", got[0].Message)
		req.Equal("node-a", got[0].ServerID)
		req.EqualValues(9, got[0].ID)
	}
	req.Equal(StateConnected, a.State())
}

func TestBridgeKeepsExistingServerID(t *testing.T) {
	req := require.New(t)
	broker := NewMemoryBroker()
	ctx := context.Background()

	bridge := NewBridge(broker, fastOptions("node-a"), zerolog.Nop())
	var got collector
	req.NoError(bridge.Subscribe(ctx, got.handle))
	defer bridge.Close()

	evt := chat.JoinedEvent("bob", time.Now())
	evt.ServerID = "node-z"
	req.NoError(bridge.Publish(ctx, evt))

	req.Eventually(func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	req.Equal("node-z", got.events(t)[0].ServerID)
}

func TestBridgeRejectsSecondSubscriber(t *testing.T) {
	req := require.New(t)
	bridge := NewBridge(NewMemoryBroker(), fastOptions("n"), zerolog.Nop())
	defer bridge.Close()

	req.NoError(bridge.Subscribe(context.Background(), func([]byte) {}))
	req.ErrorIs(bridge.Subscribe(context.Background(), func([]byte) {}), chat.ErrAlreadySubscribed)
}

// flakyTransport fails the first failures publishes.
type flakyTransport struct {
	*MemoryBroker
	failures  int32
	published atomic.Int32
}

var errTransient = errors.New("connection reset")

func (f *flakyTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	n := f.published.Add(1)
	if n <= f.failures {
		return errTransient
	}
	return f.MemoryBroker.Publish(ctx, channel, payload)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	req := require.New(t)
	transport := &flakyTransport{MemoryBroker: NewMemoryBroker(), failures: 2}
	bridge := NewBridge(transport, fastOptions("n"), zerolog.Nop())
	var got collector
	req.NoError(bridge.Subscribe(context.Background(), got.handle))
	defer bridge.Close()

	req.NoError(bridge.Publish(context.Background(), chat.JoinedEvent("x", time.Now())))
	req.EqualValues(3, transport.published.Load())
	req.Eventually(func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishGivesUpAfterRetryBudget(t *testing.T) {
	req := require.New(t)
	transport := &flakyTransport{MemoryBroker: NewMemoryBroker(), failures: 100}
	bridge := NewBridge(transport, fastOptions("n"), zerolog.Nop())
	defer bridge.Close()

	err := bridge.Publish(context.Background(), chat.JoinedEvent("x", time.Now()))
	req.ErrorIs(err, chat.ErrBus)
	req.ErrorIs(err, errTransient)
	req.EqualValues(3, transport.published.Load())
}

func TestPublishDoesNotRetryClosedTransport(t *testing.T) {
	req := require.New(t)
	broker := NewMemoryBroker()
	bridge := NewBridge(broker, fastOptions("n"), zerolog.Nop())
	req.NoError(broker.Close())

	err := bridge.Publish(context.Background(), chat.JoinedEvent("x", time.Now()))
	req.ErrorIs(err, chat.ErrBus)
	req.ErrorIs(err, ErrClosed)
}

// recordingTransport remembers subscriptions so a test can break them.
type recordingTransport struct {
	*MemoryBroker
	mu   sync.Mutex
	subs []Subscription
}

func (r *recordingTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub, err := r.MemoryBroker.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub, nil
}

func (r *recordingTransport) subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *recordingTransport) breakFirst() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.subs[0].Close()
}

func TestSubscriptionRecoversAfterBreak(t *testing.T) {
	req := require.New(t)
	transport := &recordingTransport{MemoryBroker: NewMemoryBroker()}
	bridge := NewBridge(transport, fastOptions("n"), zerolog.Nop())
	var got collector
	req.NoError(bridge.Subscribe(context.Background(), got.handle))
	defer bridge.Close()

	transport.breakFirst()
	req.Eventually(func() bool {
		return transport.subscriptions() == 2 && bridge.State() == StateConnected
	}, time.Second, 2*time.Millisecond)
	req.Zero(bridge.ReconnectAttempt())

	req.NoError(bridge.Publish(context.Background(), chat.LeftEvent("x", time.Now())))
	req.Eventually(func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	req := require.New(t)
	bridge := NewBridge(NewMemoryBroker(), fastOptions("n"), zerolog.Nop())
	defer bridge.Close()

	var calls atomic.Int32
	req.NoError(bridge.Subscribe(context.Background(), func([]byte) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}))

	req.NoError(bridge.Publish(context.Background(), chat.JoinedEvent("a", time.Now())))
	req.NoError(bridge.Publish(context.Background(), chat.JoinedEvent("b", time.Now())))
	req.Eventually(func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseStopsLoop(t *testing.T) {
	req := require.New(t)
	bridge := NewBridge(NewMemoryBroker(), fastOptions("n"), zerolog.Nop())
	req.NoError(bridge.Subscribe(context.Background(), func([]byte) {}))

	req.NoError(bridge.Close())
	req.Equal(StateDisconnected, bridge.State())
	req.Error(bridge.Ping(context.Background()))
}
