package chat

import "errors"

var (
	// ErrUnauthorized covers a missing, invalid or expired credential and a
	// principal that no longer exists.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedFrame is returned for inbound frames that cannot be decoded
	// or carry no text.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage failure")
	// ErrBus wraps publish failures once the retry budget is spent.
	ErrBus = errors.New("bus failure")
	// ErrMalformedEvent is returned when a bus payload cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionClosed      = errors.New("session closed")
	ErrAlreadySubscribed  = errors.New("bus already has a subscriber")
)
