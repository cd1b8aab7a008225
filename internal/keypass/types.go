package keypass

import (
	"errors"
	"time"
)

// Status is the keypass lifecycle. available -> used is the only claim
// transition; available -> revoked is the only revocation. Both are one-way.
type Status string

const (
	StatusAvailable Status = "available"
	StatusUsed      Status = "used"
	StatusRevoked   Status = "revoked"
)

// Keypass is a single-use invitation code that enrolls one employee into the
// issuing organisation.
type Keypass struct {
	Code           string     `json:"code"`
	OrganisationID string     `json:"organisation_id"`
	GeneratedBy    string     `json:"generated_by"`
	Status         Status     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedBy         string     `json:"used_by,omitempty"`
}

var (
	ErrNotFound     = errors.New("keypass: not found")
	ErrInvalidInput = errors.New("keypass: invalid input")

	// ErrNotAvailable is a claim on an already-used keypass.
	ErrNotAvailable = errors.New("keypass: not available")

	// ErrExpired is a keypass past its expiry but still inside the grace
	// window; once the grace window lapses the record is purged and the
	// code reads as not found.
	ErrExpired = errors.New("keypass: expired")

	ErrRevoked = errors.New("keypass: revoked")

	// ErrPackageRequired blocks generation for organisations without the
	// required package entitlement.
	ErrPackageRequired = errors.New("keypass: package entitlement required")

	ErrRateLimited = errors.New("keypass: rate limited")
)
