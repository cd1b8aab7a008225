package keypass

import (
	"context"
	"time"
)

// ClaimOutcome is the result of an atomic claim attempt.
type ClaimOutcome int

const (
	// ClaimOK: the keypass transitioned available -> used.
	ClaimOK ClaimOutcome = iota
	// ClaimNotFound: no keypass with that code.
	ClaimNotFound
	// ClaimNotAvailable: the keypass was already used.
	ClaimNotAvailable
	// ClaimExpired: the keypass is past its expiry.
	ClaimExpired
	// ClaimRevoked: the keypass was revoked by its organisation.
	ClaimRevoked
)

// Store describes keypass persistence. The one operation that matters is
// TryClaim: under concurrent claims of the same code exactly one caller may
// observe ClaimOK.
type Store interface {
	Create(ctx context.Context, kp *Keypass) error
	Find(ctx context.Context, code string) (*Keypass, error)
	ListByOrganisation(ctx context.Context, orgID string) ([]*Keypass, error)
	// TryClaim atomically moves the keypass to used if and only if it is
	// available and not expired at now. The returned keypass reflects the
	// row as found, so losers can be diagnosed.
	TryClaim(ctx context.Context, code string, now time.Time) (ClaimOutcome, *Keypass, error)
	// SetClaimant records who redeemed the code, after the claim has won.
	SetClaimant(ctx context.Context, code, userID string) error
	// TryRevoke moves available -> revoked; reports whether the transition
	// happened. Used and revoked keypasses are left untouched.
	TryRevoke(ctx context.Context, code string) (bool, error)
	// PurgeExpired removes keypasses whose expiry is before cutoff (expiry
	// plus the grace window, resolved by the caller).
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}
