package keypass

import (
	"context"
	"time"

	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/identity"
	"fraudsight.io/internal/obs"
)

const (
	defaultTTL             = 30 * 24 * time.Hour
	defaultGracePeriod     = 7 * 24 * time.Hour
	defaultRequiredPackage = "training"

	// maxBatch bounds one generation request; the hourly rate limit bounds
	// how often batches can be requested.
	maxBatch = 100

	// maxExpiryDays bounds a caller-chosen expiry window.
	maxExpiryDays = 365
)

// EntitlementChecker gates keypass generation on the issuing organisation's
// purchases. Implemented by billing.Service.
type EntitlementChecker interface {
	OrganisationEntitled(ctx context.Context, orgID, requiredPackageID string) (bool, error)
}

// Directory enrolls claimed employees and mints their sessions. Implemented
// by identity.Service.
type Directory interface {
	CreateEmployee(ctx context.Context, orgID, email, name string) (identity.Principal, error)
	IssueTokens(ctx context.Context, p identity.Principal) (identity.TokenPair, error)
}

// Service owns keypass generation, validation, claim and revocation.
type Service struct {
	store        Store
	entitlements EntitlementChecker
	directory    Directory
	now          func() time.Time

	ttl             time.Duration
	grace           time.Duration
	requiredPackage string

	limiter      *guard.RateLimiter
	limiterClass string
	limit        guard.Config
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

// WithTTL configures keypass lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithGracePeriod configures how long an expired keypass keeps answering
// with an expired diagnostic before it is purged and reads as not found.
func WithGracePeriod(grace time.Duration) ServiceOption {
	return func(s *Service) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// WithRequiredPackage configures the entitlement needed to generate.
func WithRequiredPackage(packageID string) ServiceOption {
	return func(s *Service) {
		if packageID != "" {
			s.requiredPackage = packageID
		}
	}
}

// WithRateLimit throttles generation per organisation.
func WithRateLimit(l *guard.RateLimiter, class string, cfg guard.Config) ServiceOption {
	return func(s *Service) {
		s.limiter = l
		s.limiterClass = class
		s.limit = cfg
	}
}

// NewService constructs the keypass service.
func NewService(store Store, entitlements EntitlementChecker, directory Directory, opts ...ServiceOption) *Service {
	svc := &Service{
		store:           store,
		entitlements:    entitlements,
		directory:       directory,
		now:             time.Now,
		ttl:             defaultTTL,
		grace:           defaultGracePeriod,
		requiredPackage: defaultRequiredPackage,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Generate creates count fresh keypasses for the organisation, expiring
// after expiresInDays days (the service default when zero). Generation
// requires the organisation to hold the required package entitlement and is
// rate limited per organisation.
func (s *Service) Generate(ctx context.Context, orgID, generatedBy string, count, expiresInDays int) ([]*Keypass, error) {
	if count <= 0 {
		count = 1
	}
	if count > maxBatch {
		return nil, ErrInvalidInput
	}
	if expiresInDays < 0 || expiresInDays > maxExpiryDays {
		return nil, ErrInvalidInput
	}
	ttl := s.ttl
	if expiresInDays > 0 {
		ttl = time.Duration(expiresInDays) * 24 * time.Hour
	}
	if s.limiter != nil {
		ok, _, err := s.limiter.Allow(ctx, s.limiterClass, orgID, s.limit)
		if err != nil {
			return nil, err
		}
		if !ok {
			obs.RateLimitRejections.WithLabelValues(s.limiterClass).Inc()
			return nil, ErrRateLimited
		}
	}
	entitled, err := s.entitlements.OrganisationEntitled(ctx, orgID, s.requiredPackage)
	if err != nil {
		return nil, err
	}
	if !entitled {
		return nil, ErrPackageRequired
	}

	now := s.now().UTC()
	out := make([]*Keypass, 0, count)
	for i := 0; i < count; i++ {
		code, err := NewCode()
		if err != nil {
			return nil, err
		}
		kp := &Keypass{
			Code:           code,
			OrganisationID: orgID,
			GeneratedBy:    generatedBy,
			Status:         StatusAvailable,
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
		}
		if err := s.store.Create(ctx, kp); err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, nil
}

// Validate reports the state of a code without claiming it. Used keypasses
// are returned as-is so callers can show who redeemed them; expired ones
// answer ErrExpired inside the grace window and ErrNotFound after it.
func (s *Service) Validate(ctx context.Context, code string) (*Keypass, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrNotFound
	}
	kp, err := s.store.Find(ctx, code)
	if err != nil {
		return nil, err
	}
	if kp.Status == StatusRevoked {
		return nil, ErrRevoked
	}
	if kp.Status == StatusAvailable {
		if err := s.expiryError(kp); err != nil {
			return nil, err
		}
	}
	return kp, nil
}

// Claim atomically redeems a code and enrolls the claimant as an employee of
// the issuing organisation, returning their first session. Exactly one of
// any number of concurrent claims on the same code succeeds.
func (s *Service) Claim(ctx context.Context, code, email, name string) (identity.TokenPair, identity.Principal, error) {
	code = Normalize(code)
	if code == "" {
		s.countClaim("not_found")
		return identity.TokenPair{}, identity.Principal{}, ErrNotFound
	}
	outcome, kp, err := s.store.TryClaim(ctx, code, s.now())
	if err != nil {
		return identity.TokenPair{}, identity.Principal{}, err
	}
	switch outcome {
	case ClaimOK:
	case ClaimNotFound:
		s.countClaim("not_found")
		return identity.TokenPair{}, identity.Principal{}, ErrNotFound
	case ClaimNotAvailable:
		s.countClaim("not_available")
		return identity.TokenPair{}, identity.Principal{}, ErrNotAvailable
	case ClaimRevoked:
		s.countClaim("revoked")
		return identity.TokenPair{}, identity.Principal{}, ErrRevoked
	case ClaimExpired:
		err := s.expiryError(kp)
		if err == ErrNotFound {
			s.countClaim("not_found")
		} else {
			s.countClaim("expired")
		}
		return identity.TokenPair{}, identity.Principal{}, err
	}

	// The claim is won; the code cannot be claimed again even if enrollment
	// below fails. Operators resolve such strandings by issuing a new code.
	principal, err := s.directory.CreateEmployee(ctx, kp.OrganisationID, email, name)
	if err != nil {
		obs.Error("enrollment failed after claim", map[string]any{"org_id": kp.OrganisationID})
		return identity.TokenPair{}, identity.Principal{}, err
	}
	if err := s.store.SetClaimant(ctx, code, principal.UserID); err != nil {
		obs.Error("recording claimant failed", map[string]any{"org_id": kp.OrganisationID})
	}
	pair, err := s.directory.IssueTokens(ctx, principal)
	if err != nil {
		return identity.TokenPair{}, identity.Principal{}, err
	}
	s.countClaim("claimed")
	return pair, principal, nil
}

// Revoke withdraws an available keypass. Only the issuing organisation may
// revoke, and a used keypass stays used.
func (s *Service) Revoke(ctx context.Context, orgID, code string) error {
	code = Normalize(code)
	if code == "" {
		return ErrNotFound
	}
	kp, err := s.store.Find(ctx, code)
	if err != nil {
		return err
	}
	if kp.OrganisationID != orgID {
		// Foreign codes are indistinguishable from unknown ones.
		return ErrNotFound
	}
	switch kp.Status {
	case StatusUsed:
		return ErrNotAvailable
	case StatusRevoked:
		return nil
	}
	changed, err := s.store.TryRevoke(ctx, code)
	if err != nil {
		return err
	}
	if !changed {
		// Lost a race against a claim.
		return ErrNotAvailable
	}
	return nil
}

// ListByOrganisation returns every keypass the organisation has issued.
func (s *Service) ListByOrganisation(ctx context.Context, orgID string) ([]*Keypass, error) {
	return s.store.ListByOrganisation(ctx, orgID)
}

// Sweep purges keypasses whose grace window has lapsed. Hygiene only: the
// claim and validate paths already treat them as not found.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.PurgeExpired(ctx, s.now().Add(-s.grace))
}

// expiryError maps an expired keypass onto its diagnostic: ErrExpired inside
// the grace window, ErrNotFound once it has lapsed (the sweep may not have
// purged the row yet, but callers must not see the difference).
func (s *Service) expiryError(kp *Keypass) error {
	now := s.now()
	if !now.After(kp.ExpiresAt) {
		return nil
	}
	if now.After(kp.ExpiresAt.Add(s.grace)) {
		return ErrNotFound
	}
	return ErrExpired
}

func (s *Service) countClaim(outcome string) {
	obs.KeypassClaims.WithLabelValues(outcome).Inc()
}
