// Package auth issues and verifies the access/refresh token pair, resolves
// access tokens to chat identities, and serves the account endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "relaychat"

// Claims is the payload of both token kinds. Username is only set on access
// tokens.
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful register or login hands back.
type TokenPair struct {
	Access  string
	Refresh string
}

// Tokens signs and verifies HS256 tokens with separate access and refresh
// secrets.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokens builds a Tokens. Both secrets must be non-empty.
func NewTokens(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*Tokens, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token secrets must not be empty")
	}
	return &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// AccessTTL is the lifetime of access tokens.
func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL is the lifetime of refresh tokens.
func (t *Tokens) RefreshTTL() time.Duration { return t.refreshTTL }

// IssuePair signs a fresh access and refresh token for the user.
func (t *Tokens) IssuePair(userID int64, username string) (TokenPair, error) {
	access, err := t.IssueAccess(userID, username)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(Claims{UserID: userID}, t.refreshTTL, t.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// IssueAccess signs an access token.
func (t *Tokens) IssueAccess(userID int64, username string) (string, error) {
	token, err := t.sign(Claims{UserID: userID, Username: username}, t.accessTTL, t.accessSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// ParseAccess verifies an access token's signature and expiry.
func (t *Tokens) ParseAccess(token string) (*Claims, error) {
	return t.parse(token, t.accessSecret)
}

// ParseRefresh verifies a refresh token's signature and expiry.
func (t *Tokens) ParseRefresh(token string) (*Claims, error) {
	return t.parse(token, t.refreshSecret)
}

func (t *Tokens) sign(claims Claims, ttl time.Duration, secret []byte) (string, error) {
	now := t.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (t *Tokens) parse(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == 0 {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
