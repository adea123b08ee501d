package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// BadgerStore implements Store on an embedded Badger database.
//
// Keys:
//
//	user:id:{id20}          -> diskUser
//	user:name:{username}    -> {id}
//	msg:{unixnano19}:{id20} -> diskMessage
//
// Zero padding keeps messages in chronological order under a plain
// lexicographic scan; the id suffix breaks ties between equal timestamps.
type BadgerStore struct {
	db      *badger.DB
	userSeq *badger.Sequence
	msgSeq  *badger.Sequence
	clock   *monotonicClock
}

var msgPrefix = []byte("msg:")

type diskUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type diskMessage struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewBadger opens (creating if needed) the database directory at path.
func NewBadger(path string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{log: log.With().Str("component", "badger").Logger()}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	userSeq, err := db.GetSequence([]byte("seq:user"), 16)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("user sequence: %w", err)
	}
	msgSeq, err := db.GetSequence([]byte("seq:msg"), 256)
	if err != nil {
		_ = userSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("message sequence: %w", err)
	}

	return &BadgerStore{db: db, userSeq: userSeq, msgSeq: msgSeq, clock: newMonotonicClock()}, nil
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close releases leased sequence ranges and closes the database.
func (s *BadgerStore) Close() error {
	return errors.Join(s.userSeq.Release(), s.msgSeq.Release(), s.db.Close())
}

// Store appends a message, denormalizing the author's name into the record.
func (s *BadgerStore) Store(_ context.Context, userID int64, text string) (chat.Stored, error) {
	id, err := nextID(s.msgSeq)
	if err != nil {
		return chat.Stored{}, fmt.Errorf("%w: message id: %w", chat.ErrStorage, err)
	}
	createdAt := s.clock.next()

	err = s.db.Update(func(txn *badger.Txn) error {
		author, err := getUser(txn, userID)
		if err != nil {
			return err
		}
		data, err := json.Marshal(diskMessage{
			ID:         id,
			UserID:     userID,
			AuthorName: author.Username,
			Text:       text,
			CreatedAt:  createdAt,
		})
		if err != nil {
			return err
		}
		return txn.Set(messageKey(createdAt, id), data)
	})
	if err != nil {
		return chat.Stored{}, fmt.Errorf("%w: store message: %w", chat.ErrStorage, err)
	}
	return chat.Stored{ID: id, CreatedAt: createdAt}, nil
}

// RecentHistory scans backwards from the newest message and returns at most
// limit records, oldest first.
func (s *BadgerStore) RecentHistory(_ context.Context, limit int) ([]chat.Record, error) {
	records := make([]chat.Record, 0, max(limit, 0))
	if limit <= 0 {
		return records, nil
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), msgPrefix...), 0xFF)); it.ValidForPrefix(msgPrefix); it.Next() {
			if len(records) == limit {
				break
			}
			var msg diskMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			records = append(records, chat.Record{
				ID:         msg.ID,
				Text:       msg.Text,
				CreatedAt:  msg.CreatedAt.UTC(),
				AuthorName: msg.AuthorName,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %w", chat.ErrStorage, err)
	}
	return lo.Reverse(records), nil
}

// CreateUser stores a new account; a taken username yields chat.ErrUserExists.
func (s *BadgerStore) CreateUser(_ context.Context, username, passwordHash string) (chat.User, error) {
	id, err := nextID(s.userSeq)
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: user id: %w", chat.ErrStorage, err)
	}
	user := diskUser{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Unix(time.Now().Unix(), 0).UTC(),
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nameKey := []byte("user:name:" + username)
		if _, err := txn.Get(nameKey); err == nil {
			return chat.ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := txn.Set(userKey(id), data); err != nil {
			return err
		}
		return txn.Set(nameKey, []byte(strconv.FormatInt(id, 10)))
	})
	switch {
	case errors.Is(err, chat.ErrUserExists):
		return chat.User{}, err
	case err != nil:
		return chat.User{}, fmt.Errorf("%w: create user: %w", chat.ErrStorage, err)
	}
	return user.toUser(), nil
}

// GetUserByID looks an account up by id.
func (s *BadgerStore) GetUserByID(_ context.Context, id int64) (chat.User, error) {
	var user diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUser(txn, id)
		return err
	})
	if err != nil {
		return chat.User{}, wrapLookup(err)
	}
	return user.toUser(), nil
}

// GetUserByUsername looks an account up by name.
func (s *BadgerStore) GetUserByUsername(_ context.Context, username string) (chat.User, error) {
	var user diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("user:name:" + username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return chat.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return err
		}
		user, err = getUser(txn, id)
		return err
	})
	if err != nil {
		return chat.User{}, wrapLookup(err)
	}
	return user.toUser(), nil
}

func getUser(txn *badger.Txn, id int64) (diskUser, error) {
	var user diskUser
	item, err := txn.Get(userKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return user, chat.ErrUserNotFound
	}
	if err != nil {
		return user, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &user)
	})
	return user, err
}

func wrapLookup(err error) error {
	if errors.Is(err, chat.ErrUserNotFound) {
		return chat.ErrUserNotFound
	}
	return fmt.Errorf("%w: lookup user: %w", chat.ErrStorage, err)
}

func (u diskUser) toUser() chat.User {
	return chat.User{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.UTC(),
	}
}

// nextID turns the zero-based badger sequence into positive ids.
func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

func userKey(id int64) []byte {
	return []byte(fmt.Sprintf("user:id:%020d", id))
}

func messageKey(at time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("msg:%019d:%020d", at.UnixNano(), id))
}

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}
