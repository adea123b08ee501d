//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../mocks/mock_ports.go -package=mocks
package chat

import "context"

// Authenticator resolves a bearer credential to the user it was issued for.
// Failures wrap ErrUnauthorized.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// MessageStore is the append-only message log. Store failures wrap ErrStorage.
type MessageStore interface {
	// Store appends text authored by userID and returns the assigned id and
	// server timestamp.
	Store(ctx context.Context, userID int64, text string) (Stored, error)
	// RecentHistory returns at most limit records ordered oldest to newest.
	RecentHistory(ctx context.Context, limit int) ([]Record, error)
}

// UserStore keeps accounts for the register/login/refresh endpoints and for
// resolving token subjects.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
}
