package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	clock *monotonicClock
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: newMonotonicClock()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Store appends a message.
func (s *SQLiteStore) Store(ctx context.Context, userID int64, text string) (chat.Stored, error) {
	createdAt := s.clock.next()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, text, created_at) VALUES (?, ?, ?)`,
		userID, text, createdAt.UnixNano(),
	)
	if err != nil {
		return chat.Stored{}, fmt.Errorf("%w: insert message: %w", chat.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Stored{}, fmt.Errorf("%w: message id: %w", chat.ErrStorage, err)
	}
	return chat.Stored{ID: id, CreatedAt: createdAt}, nil
}

// RecentHistory returns the newest limit messages, oldest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, limit int) ([]chat.Record, error) {
	if limit <= 0 {
		return []chat.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.text, m.created_at, u.username
		FROM messages m JOIN users u ON m.user_id = u.id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", chat.ErrStorage, err)
	}
	defer rows.Close()

	records := make([]chat.Record, 0, limit)
	for rows.Next() {
		var rec chat.Record
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Text, &createdAt, &rec.AuthorName); err != nil {
			return nil, fmt.Errorf("%w: scan history row: %w", chat.ErrStorage, err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history: %w", chat.ErrStorage, err)
	}

	return lo.Reverse(records), nil
}

// CreateUser inserts an account; a taken username yields chat.ErrUserExists.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (chat.User, error) {
	createdAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, createdAt.Unix(),
	)
	if isUniqueViolation(err) {
		return chat.User{}, chat.ErrUserExists
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: insert user: %w", chat.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: user id: %w", chat.ErrStorage, err)
	}
	return chat.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Unix(createdAt.Unix(), 0).UTC(),
	}, nil
}

// GetUserByID looks an account up by id.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (chat.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername looks an account up by name.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (chat.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (chat.User, error) {
	var user chat.User
	var createdAt int64
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, chat.ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: scan user row: %w", chat.ErrStorage, err)
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return user, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
