package chat

import "time"

// Identity is the user a connection was admitted as. It is resolved once
// per connection and never refreshed.
type Identity struct {
	UserID      int64
	DisplayName string
}

// User is an account as kept by the credential store.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Identity returns the identity a session uses for this account.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, DisplayName: u.Username}
}
