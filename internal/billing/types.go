package billing

import (
	"errors"
	"time"
)

// PurchaseStatus is the purchase state machine. Transitions are one-way;
// in-process stores validate them through CanTransitionTo, the SQL store
// encodes the same predicates in its conditional statements.
type PurchaseStatus string

const (
	PurchaseRequiresConfirmation PurchaseStatus = "requires_confirmation"
	PurchaseSucceeded            PurchaseStatus = "succeeded"
	PurchaseFailed               PurchaseStatus = "failed"
	PurchaseRefunded             PurchaseStatus = "refunded"
)

// CanTransitionTo reports whether the transition is legal:
// requires_confirmation -> {succeeded, failed}; succeeded -> refunded.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	switch s {
	case PurchaseRequiresConfirmation:
		return next == PurchaseSucceeded || next == PurchaseFailed
	case PurchaseSucceeded:
		return next == PurchaseRefunded
	default:
		return false
	}
}

// Purchase is one package purchase by an organisation. Amounts are minor
// units; no floats.
type Purchase struct {
	ID              string         `json:"id"`
	OrganisationID  string         `json:"organisation_id"`
	UserID          string         `json:"user_id"`
	PackageID       string         `json:"package_id"`
	Status          PurchaseStatus `json:"status"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	AmountCents     int64          `json:"amount_cents"`
	Currency        string         `json:"currency"`
	CreatedAt       time.Time      `json:"created_at"`
	ConfirmedAt     *time.Time     `json:"confirmed_at,omitempty"`
}

var (
	ErrNotFound       = errors.New("billing: not found")
	ErrUnknownPackage = errors.New("billing: unknown package")

	// ErrDuplicatePurchase enforces at most one succeeded purchase per
	// (organisation, package), at creation and again at confirmation time.
	ErrDuplicatePurchase = errors.New("billing: duplicate purchase")

	// ErrInvalidTransition is returned when a purchase is confirmed from a
	// terminal non-succeeded state (failed, refunded).
	ErrInvalidTransition = errors.New("billing: invalid status transition")
)
