package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// Resolver is the chat.Authenticator used at connection admission: it
// verifies the access token and confirms its subject still exists.
type Resolver struct {
	tokens *Tokens
	users  chat.UserStore
}

// NewResolver returns a Resolver over tokens and users.
func NewResolver(tokens *Tokens, users chat.UserStore) *Resolver {
	return &Resolver{tokens: tokens, users: users}
}

// Resolve implements chat.Authenticator.
func (r *Resolver) Resolve(ctx context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, fmt.Errorf("%w: no token provided", chat.ErrUnauthorized)
	}
	claims, err := r.tokens.ParseAccess(credential)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("%w: invalid token: %w", chat.ErrUnauthorized, err)
	}

	user, err := r.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, chat.ErrUserNotFound) {
		return chat.Identity{}, fmt.Errorf("%w: user %d not found", chat.ErrUnauthorized, claims.UserID)
	}
	if err != nil {
		return chat.Identity{}, fmt.Errorf("resolve user %d: %w", claims.UserID, err)
	}
	return user.Identity(), nil
}
