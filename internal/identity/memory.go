package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process maps. Mutations that must be
// atomic per key (refresh-token consumption, reset-token consumption) hold
// the store mutex across the check-and-remove, which gives the same
// exactly-one-winner guarantee as the conditional SQL in PGStore.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
	orgs    map[string]*Organisation
	refresh map[string]*RefreshToken
	reset   map[string]*ResetToken
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		orgs:    make(map[string]*Organisation),
		refresh: make(map[string]*RefreshToken),
		reset:   make(map[string]*ResetToken),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore                 { return (*memUsers)(s) }
func (s *MemoryStore) Organisations(context.Context) OrganisationStore { return (*memOrgs)(s) }
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(s) }
func (s *MemoryStore) ResetTokens(context.Context) ResetTokenStore     { return (*memReset)(s) }

type memUsers MemoryStore

func (s *memUsers) Create(ctx context.Context, u *User) error {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	cp := *u
	cp.Email = email
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.users[cp.ID] = &cp
	s.byEmail[email] = cp.ID
	*u = cp
	return nil
}

func (s *memUsers) Find(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *memUsers) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

type memOrgs MemoryStore

func (s *memOrgs) Create(ctx context.Context, org *Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	cp.CreatedAt = time.Now().UTC()
	s.orgs[cp.ID] = &cp
	*org = cp
	return nil
}

func (s *memOrgs) Find(ctx context.Context, id string) (*Organisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *memOrgs) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs, id)
	return nil
}

type memRefresh MemoryStore

func (s *memRefresh) Create(ctx context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.refresh[cp.ID] = &cp
	return nil
}

func (s *memRefresh) Consume(ctx context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.refresh, id)
	cp := *tok
	return &cp, nil
}

func (s *memRefresh) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, id)
	return nil
}

func (s *memRefresh) RevokeAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.refresh {
		if tok.UserID == userID {
			delete(s.refresh, id)
		}
	}
	return nil
}

func (s *memRefresh) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.refresh {
		if tok.ExpiresAt.Before(before) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

type memReset MemoryStore

func (s *memReset) Create(ctx context.Context, tok *ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.reset[cp.TokenHash] = &cp
	return nil
}

func (s *memReset) Consume(ctx context.Context, tokenHash string) (*ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.reset[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.reset, tokenHash)
	cp := *tok
	return &cp, nil
}

func (s *memReset) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.reset {
		if tok.ExpiresAt.Before(before) {
			delete(s.reset, hash)
			n++
		}
	}
	return n, nil
}
