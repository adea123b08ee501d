// Package store provides the durable message log and account storage behind
// the chat ports, backed by SQLite or Badger.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// Store is everything the server needs from durable storage.
type Store interface {
	chat.MessageStore
	chat.UserStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Options selects and locates a backend.
type Options struct {
	Driver     string
	SQLitePath string
	BadgerPath string
}

// Open returns the backend named by opts.Driver.
func Open(opts Options, log zerolog.Logger) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLite(opts.SQLitePath)
	case DriverBadger:
		return NewBadger(opts.BadgerPath, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// monotonicClock hands out creation times that never go backwards within
// this process, even if the wall clock does.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: time.Now}
}

func (c *monotonicClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
