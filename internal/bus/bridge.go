package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// State is the health of the subscription link.
type State int32

const (
	StateDisconnected State = iota
	StateRetrying
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	default:
		return "disconnected"
	}
}

// Handler receives every payload delivered on the channel.
type Handler func(payload []byte)

// Options tune a Bridge. Zero values fall back to defaults.
type Options struct {
	Channel         string
	ServerID        string
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

const (
	DefaultChannel         = "chat_messages"
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = DefaultChannel
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = DefaultMaxInterval
		if o.MaxInterval < o.InitialInterval {
			o.MaxInterval = o.InitialInterval
		}
	}
	return o
}

// Bridge publishes events to the shared channel and runs the single
// subscription loop that feeds the local delivery callback.
type Bridge struct {
	transport Transport
	opts      Options
	log       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	state   atomic.Int32
	attempt atomic.Int64
}

// NewBridge returns a Bridge over transport. The Bridge owns the transport
// and closes it in Close.
func NewBridge(transport Transport, opts Options, log zerolog.Logger) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		transport: transport,
		opts:      opts,
		log:       log.With().Str("component", "bus").Str("channel", opts.Channel).Logger(),
	}
}

// ServerID is the tag stamped on events published by this process.
func (b *Bridge) ServerID() string {
	return b.opts.ServerID
}

// State reports the subscription link state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// ReconnectAttempt is the current resubscribe attempt, 0 while connected.
func (b *Bridge) ReconnectAttempt() int64 {
	return b.attempt.Load()
}

// Ping checks the transport.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.transport.Ping(ctx)
}

// Publish stamps the event with this process's tag, serializes it and sends
// it, retrying transient failures with capped exponential backoff. Failures
// wrap chat.ErrBus.
func (b *Bridge) Publish(ctx context.Context, evt chat.Event) error {
	if evt.ServerID == "" {
		evt.ServerID = b.opts.ServerID
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("%w: encode %s event: %w", chat.ErrBus, evt.Type, err)
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := b.transport.Publish(ctx, b.opts.Channel, payload)
		if errors.Is(err, ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(b.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.log.Warn().Err(err).
				Str("event_type", string(evt.Type)).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Msg("publish failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: publish %s event after %d attempts: %w", chat.ErrBus, evt.Type, attempts, err)
	}
	return nil
}

// Subscribe attaches handler as the one delivery callback. The subscription
// is confirmed before Subscribe returns; delivery then runs on its own
// goroutine until ctx is done or Close is called. Handler is invoked
// sequentially, once per delivered payload.
func (b *Bridge) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return chat.ErrAlreadySubscribed
	}

	sub, err := b.transport.Subscribe(ctx, b.opts.Channel)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %w", chat.ErrBus, err)
	}
	b.state.Store(int32(StateConnected))
	b.log.Info().Msg("subscribed")

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(loopCtx, sub, handler)
	return nil
}

// Close stops the delivery loop and closes the transport.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.transport.Close()
}

func (b *Bridge) run(ctx context.Context, sub Subscription, handler Handler) {
	defer close(b.done)
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
		b.state.Store(int32(StateDisconnected))
		b.log.Info().Msg("subscription loop stopped")
	}()

	bo := b.newBackOff()
	for {
		payload, err := sub.Receive(ctx)
		if err == nil {
			b.deliver(handler, payload)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		b.log.Warn().Err(err).Msg("subscription broken")
		_ = sub.Close()
		sub = b.resubscribe(ctx, bo)
		if sub == nil {
			return
		}
	}
}

// resubscribe walks disconnected -> retrying(n) -> connected. The delay per
// attempt grows exponentially up to MaxInterval. It returns nil only when ctx
// is done.
func (b *Bridge) resubscribe(ctx context.Context, bo *backoff.ExponentialBackOff) Subscription {
	b.state.Store(int32(StateDisconnected))
	bo.Reset()

	for attempt := int64(1); ; attempt++ {
		b.state.Store(int32(StateRetrying))
		b.attempt.Store(attempt)
		delay := bo.NextBackOff()
		b.log.Info().Int64("attempt", attempt).Dur("delay", delay).Msg("resubscribing")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		sub, err := b.transport.Subscribe(ctx, b.opts.Channel)
		if err == nil {
			b.attempt.Store(0)
			b.state.Store(int32(StateConnected))
			b.log.Info().Int64("attempt", attempt).Msg("resubscribed")
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn().Err(err).Int64("attempt", attempt).Msg("resubscribe failed")
	}
}

func (b *Bridge) deliver(handler Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("delivery handler panicked")
		}
	}()
	handler(payload)
}

func (b *Bridge) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialInterval
	bo.MaxInterval = b.opts.MaxInterval
	bo.Reset()
	return bo
}
