package identity

import (
	"context"
	"time"
)

// Store describes persistence required by the identity subsystem. The core
// is storage-agnostic: MemoryStore serves tests and development, PGStore
// serves production.
type Store interface {
	Users(ctx context.Context) UserStore
	Organisations(ctx context.Context) OrganisationStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	ResetTokens(ctx context.Context) ResetTokenStore
}

// UserStore manages accounts.
type UserStore interface {
	// Create stores a new user. ErrAlreadyExists when the email is taken.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// OrganisationStore manages organisations.
type OrganisationStore interface {
	Create(ctx context.Context, org *Organisation) error
	Find(ctx context.Context, id string) (*Organisation, error)
	// Delete removes an organisation; signup uses it to undo the
	// organisation row when creating the owning user fails. Idempotent.
	Delete(ctx context.Context, id string) error
}

// RefreshTokenStore is the allow-list of currently valid refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// Consume atomically removes the record and returns it. Two concurrent
	// calls for the same id must yield exactly one record and one
	// ErrNotFound; this is what makes rotation single-use.
	Consume(ctx context.Context, id string) (*RefreshToken, error)
	// Revoke removes the record if present. Idempotent.
	Revoke(ctx context.Context, id string) error
	// RevokeAllForUser removes every token owned by the user (forced
	// global sign-out after password reset).
	RevokeAllForUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ResetTokenStore manages single-use password-reset tokens.
type ResetTokenStore interface {
	Create(ctx context.Context, tok *ResetToken) error
	// Consume atomically removes the record by hash and returns it;
	// ErrNotFound when absent (unknown or already used).
	Consume(ctx context.Context, tokenHash string) (*ResetToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
