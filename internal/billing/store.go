package billing

import (
	"context"
	"time"
)

// ConfirmOutcome is the result of an atomic confirmation attempt.
type ConfirmOutcome int

const (
	// ConfirmOK: the purchase transitioned requires_confirmation -> succeeded.
	ConfirmOK ConfirmOutcome = iota
	// ConfirmNotFound: no purchase with that id.
	ConfirmNotFound
	// ConfirmDuplicate: another purchase for the same (organisation,
	// package) already succeeded; this one must not.
	ConfirmDuplicate
	// ConfirmAlreadySucceeded: this purchase itself already succeeded.
	ConfirmAlreadySucceeded
	// ConfirmInvalidState: the purchase is failed or refunded.
	ConfirmInvalidState
)

// Store describes persistence for purchases and processed webhook events.
// Both must be durable and strongly consistent: their invariants are
// financial.
type Store interface {
	Purchases(ctx context.Context) PurchaseStore
	WebhookEvents(ctx context.Context) WebhookEventStore
}

// PurchaseStore manages the purchase ledger.
type PurchaseStore interface {
	Create(ctx context.Context, p *Purchase) error
	Find(ctx context.Context, id string) (*Purchase, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*Purchase, error)
	ListByOrganisation(ctx context.Context, orgID string) ([]*Purchase, error)
	// HasSucceeded reports whether a succeeded purchase exists for the pair.
	HasSucceeded(ctx context.Context, orgID, packageID string) (bool, error)
	// TryConfirm atomically moves the purchase to succeeded if and only if
	// it is requires_confirmation and no other purchase for the same
	// (organisation, package) has succeeded. Concurrent attempts observe a
	// strict winner/loser ordering.
	TryConfirm(ctx context.Context, id, paymentIntentID string, now time.Time) (ConfirmOutcome, error)
	// TryFail moves requires_confirmation -> failed; reports whether the
	// transition happened.
	TryFail(ctx context.Context, id string) (bool, error)
}

// WebhookEventStore is the seen-set of processed external event IDs.
type WebhookEventStore interface {
	// RecordIfNew atomically records the event id, reporting true exactly
	// once per id across all concurrent callers.
	RecordIfNew(ctx context.Context, externalEventID string) (bool, error)
}
