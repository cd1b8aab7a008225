package billing

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process maps. The store mutex is held
// across every check-and-set, which mirrors the conditional SQL used by
// PGStore: exactly one confirmation wins, duplicate webhook deliveries see
// exactly one first-time insert.
type MemoryStore struct {
	mu        sync.Mutex
	purchases map[string]*Purchase
	byIntent  map[string]string
	seen      map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		byIntent:  make(map[string]string),
		seen:      make(map[string]struct{}),
	}
}

func (s *MemoryStore) Purchases(context.Context) PurchaseStore         { return (*memPurchases)(s) }
func (s *MemoryStore) WebhookEvents(context.Context) WebhookEventStore { return (*memEvents)(s) }

type memPurchases MemoryStore

func (s *memPurchases) Create(ctx context.Context, p *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.purchases[cp.ID] = &cp
	if cp.PaymentIntentID != "" {
		s.byIntent[cp.PaymentIntentID] = cp.ID
	}
	*p = cp
	return nil
}

func (s *memPurchases) Find(ctx context.Context, id string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPurchases) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIntent[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.purchases[id]
	return &cp, nil
}

func (s *memPurchases) ListByOrganisation(ctx context.Context, orgID string) ([]*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Purchase
	for _, p := range s.purchases {
		if p.OrganisationID == orgID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memPurchases) HasSucceeded(ctx context.Context, orgID, packageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeededLocked(orgID, packageID, ""), nil
}

// succeededLocked reports whether a succeeded purchase exists for the pair,
// ignoring excludeID. Callers hold s.mu.
func (s *memPurchases) succeededLocked(orgID, packageID, excludeID string) bool {
	for _, p := range s.purchases {
		if p.ID != excludeID && p.OrganisationID == orgID && p.PackageID == packageID && p.Status == PurchaseSucceeded {
			return true
		}
	}
	return false
}

func (s *memPurchases) TryConfirm(ctx context.Context, id, paymentIntentID string, now time.Time) (ConfirmOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return ConfirmNotFound, nil
	}
	if p.Status == PurchaseSucceeded {
		return ConfirmAlreadySucceeded, nil
	}
	if !p.Status.CanTransitionTo(PurchaseSucceeded) {
		return ConfirmInvalidState, nil
	}
	if s.succeededLocked(p.OrganisationID, p.PackageID, p.ID) {
		return ConfirmDuplicate, nil
	}
	p.Status = PurchaseSucceeded
	confirmed := now.UTC()
	p.ConfirmedAt = &confirmed
	if paymentIntentID != "" {
		p.PaymentIntentID = paymentIntentID
		s.byIntent[paymentIntentID] = p.ID
	}
	return ConfirmOK, nil
}

func (s *memPurchases) TryFail(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok || !p.Status.CanTransitionTo(PurchaseFailed) {
		return false, nil
	}
	p.Status = PurchaseFailed
	return true, nil
}

type memEvents MemoryStore

func (s *memEvents) RecordIfNew(ctx context.Context, externalEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[externalEventID]; dup {
		return false, nil
	}
	s.seen[externalEventID] = struct{}{}
	return true, nil
}
