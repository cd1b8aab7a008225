package keypass

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with an in-process map. The mutex is held
// across every check-and-set, mirroring the conditional SQL of PGStore:
// exactly one concurrent claim of a code wins.
type MemoryStore struct {
	mu        sync.Mutex
	keypasses map[string]*Keypass
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keypasses: make(map[string]*Keypass)}
}

func (s *MemoryStore) Create(ctx context.Context, kp *Keypass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *kp
	s.keypasses[cp.Code] = &cp
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, code string) (*Keypass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypasses[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *kp
	return &cp, nil
}

func (s *MemoryStore) ListByOrganisation(ctx context.Context, orgID string) ([]*Keypass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Keypass
	for _, kp := range s.keypasses {
		if kp.OrganisationID == orgID {
			cp := *kp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) TryClaim(ctx context.Context, code string, now time.Time) (ClaimOutcome, *Keypass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypasses[code]
	if !ok {
		return ClaimNotFound, nil, nil
	}
	snapshot := *kp
	switch kp.Status {
	case StatusUsed:
		return ClaimNotAvailable, &snapshot, nil
	case StatusRevoked:
		return ClaimRevoked, &snapshot, nil
	}
	if now.After(kp.ExpiresAt) {
		return ClaimExpired, &snapshot, nil
	}
	kp.Status = StatusUsed
	used := now.UTC()
	kp.UsedAt = &used
	claimed := *kp
	return ClaimOK, &claimed, nil
}

func (s *MemoryStore) SetClaimant(ctx context.Context, code, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypasses[code]
	if !ok {
		return ErrNotFound
	}
	kp.UsedBy = userID
	return nil
}

func (s *MemoryStore) TryRevoke(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypasses[code]
	if !ok || kp.Status != StatusAvailable {
		return false, nil
	}
	kp.Status = StatusRevoked
	return true, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for code, kp := range s.keypasses {
		if kp.ExpiresAt.Before(cutoff) {
			delete(s.keypasses, code)
			n++
		}
	}
	return n, nil
}
