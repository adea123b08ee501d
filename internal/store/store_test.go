package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		DriverSQLite: func(t *testing.T) Store {
			s, err := Open(Options{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "chat.db")}, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		DriverBadger: func(t *testing.T) Store {
			s, err := Open(Options{Driver: DriverBadger, BadgerPath: t.TempDir()}, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestUsers(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			s := open(t)

			alice, err := s.CreateUser(ctx, "alice", "hash-a")
			req.NoError(err)
			req.Positive(alice.ID)
			req.Equal("alice", alice.Username)

			_, err = s.CreateUser(ctx, "alice", "other")
			req.ErrorIs(err, chat.ErrUserExists)

			bob, err := s.CreateUser(ctx, "bob", "hash-b")
			req.NoError(err)
			req.NotEqual(alice.ID, bob.ID)

			byID, err := s.GetUserByID(ctx, alice.ID)
			req.NoError(err)
			req.Equal(alice, byID)

			byName, err := s.GetUserByUsername(ctx, "bob")
			req.NoError(err)
			req.Equal(bob.ID, byName.ID)
			req.Equal("hash-b", byName.PasswordHash)

			_, err = s.GetUserByID(ctx, 9999)
			req.ErrorIs(err, chat.ErrUserNotFound)
			_, err = s.GetUserByUsername(ctx, "nobody")
			req.ErrorIs(err, chat.ErrUserNotFound)

			req.NoError(s.Ping(ctx))
		})
	}
}

func TestHistoryIsBoundedAndOldestFirst(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			s := open(t)

			alice, err := s.CreateUser(ctx, "alice", "h")
			req.NoError(err)
			bob, err := s.CreateUser(ctx, "bob", "h")
			req.NoError(err)

			var stored []chat.Stored
			for i, author := range []chat.User{alice, bob, alice, bob} {
				st, err := s.Store(ctx, author.ID, []string{"one", "two", "three", "four"}[i])
				req.NoError(err)
				stored = append(stored, st)
			}
			for i := 1; i < len(stored); i++ {
				req.NotEqual(stored[i-1].ID, stored[i].ID)
				req.False(stored[i].CreatedAt.Before(stored[i-1].CreatedAt))
			}

			all, err := s.RecentHistory(ctx, 50)
			req.NoError(err)
			req.Len(all, 4)
			req.Equal("one", all[0].Text)
			req.Equal("alice", all[0].AuthorName)
			req.Equal("four", all[3].Text)
			req.Equal("bob", all[3].AuthorName)
			req.Equal(stored[3].ID, all[3].ID)

			recent, err := s.RecentHistory(ctx, 2)
			req.NoError(err)
			req.Len(recent, 2)
			req.Equal("three", recent[0].Text)
			req.Equal("four", recent[1].Text)

			none, err := s.RecentHistory(ctx, 0)
			req.NoError(err)
			req.Empty(none)
		})
	}
}

func TestEmptyHistory(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			recs, err := open(t).RecentHistory(context.Background(), 10)
			req.NoError(err)
			req.NotNil(recs)
			req.Empty(recs)
		})
	}
}

func TestConcurrentStoresGetUniqueIDs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			s := open(t)
			user, err := s.CreateUser(ctx, "writer", "h")
			req.NoError(err)

			const n = 40
			ids := make(chan int64, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					st, err := s.Store(ctx, user.ID, "msg")
					if err == nil {
						ids <- st.ID
					}
				}()
			}
			wg.Wait()
			close(ids)

			seen := map[int64]bool{}
			for id := range ids {
				req.False(seen[id], "duplicate id %d", id)
				seen[id] = true
			}
			req.Len(seen, n)
		})
	}
}

func TestMonotonicClockNeverGoesBack(t *testing.T) {
	req := require.New(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	c := &monotonicClock{now: func() time.Time { t := times[i]; i++; return t }}

	req.Equal(base, c.next())
	req.Equal(base, c.next())
	req.Equal(base.Add(time.Second), c.next())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "postgres"}, zerolog.Nop())
	require.Error(t, err)
}
