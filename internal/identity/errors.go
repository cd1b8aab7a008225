package identity

import "errors"

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrAlreadyExists = errors.New("identity: already exists")
	ErrInvalidInput  = errors.New("identity: invalid input")

	// ErrUnauthorized covers malformed, expired and revoked tokens.
	ErrUnauthorized = errors.New("identity: unauthorized")

	// ErrInvalidCredentials is returned for a wrong password and for a
	// locked account alike, so the lock state cannot be probed by error code.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrInvalidResetToken covers unknown, expired and already-used reset tokens.
	ErrInvalidResetToken = errors.New("identity: invalid reset token")
)
