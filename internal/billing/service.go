package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fraudsight.io/internal/ids"
	"fraudsight.io/internal/obs"
)

// Webhook event types accepted from the payment provider. Everything else
// is acknowledged and ignored.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// WebhookResult describes what IngestWebhook did with a delivery.
type WebhookResult string

const (
	WebhookProcessed WebhookResult = "processed"
	WebhookDuplicate WebhookResult = "duplicate"
	WebhookIgnored   WebhookResult = "ignored"
)

// Service owns the purchase ledger: creation, confirmation, webhook ingestion
// and the entitlement check consumed by keypass generation.
type Service struct {
	store   Store
	catalog Catalog
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the billing service around a store and package catalog.
func NewService(store Store, catalog Catalog, opts ...ServiceOption) *Service {
	svc := &Service{store: store, catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Create opens a purchase in requires_confirmation and allocates a payment
// intent for the provider checkout. A package the organisation already owns
// (succeeded) is rejected up front with ErrDuplicatePurchase; the same check
// runs again atomically at confirmation, so this one is purely to fail fast.
func (s *Service) Create(ctx context.Context, orgID, userID, packageID string) (*Purchase, error) {
	pkg, ok := s.catalog.Package(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}
	purchases := s.store.Purchases(ctx)
	done, err := purchases.HasSucceeded(ctx, orgID, pkg.ID)
	if err != nil {
		return nil, err
	}
	if done {
		obs.PurchaseConflicts.Inc()
		return nil, ErrDuplicatePurchase
	}
	p := &Purchase{
		ID:              ids.New(),
		OrganisationID:  orgID,
		UserID:          userID,
		PackageID:       pkg.ID,
		Status:          PurchaseRequiresConfirmation,
		PaymentIntentID: "pi_" + uuid.NewString(),
		AmountCents:     pkg.AmountCents,
		Currency:        pkg.Currency,
		CreatedAt:       s.now().UTC(),
	}
	if err := purchases.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Confirm finalizes a purchase. Confirming a purchase that already succeeded
// is idempotent; losing the one-succeeded-per-package race is
// ErrDuplicatePurchase; confirming from failed or refunded is
// ErrInvalidTransition.
func (s *Service) Confirm(ctx context.Context, id string) (*Purchase, error) {
	return s.confirm(ctx, id, "")
}

func (s *Service) confirm(ctx context.Context, id, paymentIntentID string) (*Purchase, error) {
	purchases := s.store.Purchases(ctx)
	outcome, err := purchases.TryConfirm(ctx, id, paymentIntentID, s.now())
	if err != nil {
		return nil, err
	}
	switch outcome {
	case ConfirmOK, ConfirmAlreadySucceeded:
		return purchases.Find(ctx, id)
	case ConfirmNotFound:
		return nil, ErrNotFound
	case ConfirmDuplicate:
		obs.PurchaseConflicts.Inc()
		return nil, ErrDuplicatePurchase
	default:
		return nil, ErrInvalidTransition
	}
}

// Get returns a purchase by id.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Purchases(ctx).Find(ctx, id)
}

// ListByOrganisation returns every purchase of the organisation.
func (s *Service) ListByOrganisation(ctx context.Context, orgID string) ([]*Purchase, error) {
	return s.store.Purchases(ctx).ListByOrganisation(ctx, orgID)
}

// OrganisationEntitled reports whether the organisation holds a succeeded
// purchase at or above the tier of requiredPackageID.
func (s *Service) OrganisationEntitled(ctx context.Context, orgID, requiredPackageID string) (bool, error) {
	purchases, err := s.store.Purchases(ctx).ListByOrganisation(ctx, orgID)
	if err != nil {
		return false, err
	}
	return s.catalog.Satisfies(purchases, requiredPackageID), nil
}

// IngestWebhook processes one provider delivery. The external event id is
// recorded first, so retries of an already-processed delivery return
// WebhookDuplicate without touching the ledger; the provider must always
// receive a 2xx for both.
func (s *Service) IngestWebhook(ctx context.Context, externalEventID, eventType, paymentIntentID string) (WebhookResult, error) {
	externalEventID = strings.TrimSpace(externalEventID)
	if externalEventID == "" {
		return "", errors.New("billing: webhook event id is required")
	}
	first, err := s.store.WebhookEvents(ctx).RecordIfNew(ctx, externalEventID)
	if err != nil {
		return "", err
	}
	if !first {
		obs.WebhookEvents.WithLabelValues(string(WebhookDuplicate)).Inc()
		return WebhookDuplicate, nil
	}

	result, err := s.applyWebhook(ctx, eventType, paymentIntentID)
	if err != nil {
		return "", err
	}
	obs.WebhookEvents.WithLabelValues(string(result)).Inc()
	return result, nil
}

func (s *Service) applyWebhook(ctx context.Context, eventType, paymentIntentID string) (WebhookResult, error) {
	if eventType != EventPaymentSucceeded && eventType != EventPaymentFailed {
		return WebhookIgnored, nil
	}
	p, err := s.store.Purchases(ctx).FindByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A delivery for an intent we never issued. Acknowledged and
			// dropped; failing here would only make the provider retry.
			obs.Warn("webhook for unknown payment intent", map[string]any{"event_type": eventType})
			return WebhookIgnored, nil
		}
		return "", err
	}

	switch eventType {
	case EventPaymentSucceeded:
		if _, err := s.confirm(ctx, p.ID, paymentIntentID); err != nil {
			if errors.Is(err, ErrDuplicatePurchase) || errors.Is(err, ErrInvalidTransition) {
				obs.Warn("webhook confirmation rejected", map[string]any{
					"purchase_id": p.ID,
					"reason":      err.Error(),
				})
				return WebhookIgnored, nil
			}
			return "", err
		}
		return WebhookProcessed, nil
	default:
		changed, err := s.store.Purchases(ctx).TryFail(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if !changed {
			return WebhookIgnored, nil
		}
		return WebhookProcessed, nil
	}
}
