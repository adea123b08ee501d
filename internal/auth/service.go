package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/relaychat/internal/chat"
)

var validate = validator.New()

// Credentials is the body of register and login requests.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Service implements account registration, login and token refresh.
type Service struct {
	users  chat.UserStore
	tokens *Tokens
}

// NewService returns a Service.
func NewService(users chat.UserStore, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens}
}

// Tokens exposes the token issuer so handlers can size cookies.
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

// Register creates an account and signs a token pair for it.
func (s *Service) Register(ctx context.Context, creds Credentials) (chat.User, TokenPair, error) {
	if err := validate.Struct(creds); err != nil {
		return chat.User{}, TokenPair{}, err
	}
	hash, err := HashPassword(creds.Password)
	if err != nil {
		return chat.User{}, TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, creds.Username, hash)
	if err != nil {
		return chat.User{}, TokenPair{}, err
	}
	pair, err := s.tokens.IssuePair(user.ID, user.Username)
	if err != nil {
		return chat.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Login checks credentials. Unknown users and wrong passwords are both
// chat.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, creds Credentials) (chat.User, TokenPair, error) {
	if creds.Username == "" || creds.Password == "" {
		return chat.User{}, TokenPair{}, chat.ErrInvalidCredentials
	}
	user, err := s.users.GetUserByUsername(ctx, creds.Username)
	if errors.Is(err, chat.ErrUserNotFound) {
		return chat.User{}, TokenPair{}, chat.ErrInvalidCredentials
	}
	if err != nil {
		return chat.User{}, TokenPair{}, err
	}

	ok, err := ComparePassword(creds.Password, user.PasswordHash)
	if err != nil {
		return chat.User{}, TokenPair{}, fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		return chat.User{}, TokenPair{}, chat.ErrInvalidCredentials
	}

	pair, err := s.tokens.IssuePair(user.ID, user.Username)
	if err != nil {
		return chat.User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: refresh token required", chat.ErrUnauthorized)
	}
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: invalid refresh token: %w", chat.ErrUnauthorized, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, chat.ErrUserNotFound) {
		return "", fmt.Errorf("%w: user not found", chat.ErrUnauthorized)
	}
	if err != nil {
		return "", err
	}
	return s.tokens.IssueAccess(user.ID, user.Username)
}
