// Package bus relays chat and system events between relaychat processes.
//
// A Bridge serializes events onto a named broadcast channel of a Transport and
// hands every payload received on that channel, including the ones this
// process published, to a single delivery callback.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by transports and subscriptions after Close.
var ErrClosed = errors.New("bus: closed")

// Transport is a named-channel broadcast medium with publish-to-all-subscribers
// semantics. Implementations must deliver a publisher's own messages back to
// its subscriptions.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription yields payloads published on one channel.
type Subscription interface {
	// Receive blocks until the next payload, ctx is done, or the
	// subscription breaks.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
