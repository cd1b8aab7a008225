package identity

import (
	"context"
	"crypto/hmac"
	"errors"
	"strings"
	"time"

	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/ids"
	"fraudsight.io/internal/obs"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultResetTTL   = time.Hour
	defaultIssuer     = "fraudsight"
)

// Secrets holds the distinct signing secrets for access and refresh tokens.
type Secrets struct {
	Access  []byte
	Refresh []byte
}

// Service issues, verifies, rotates and revokes bearer tokens, and owns the
// login, logout and password-reset flows.
type Service struct {
	store   Store
	lockout *guard.LockoutGuard
	now     func() time.Time

	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	resetTTL      time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures password-reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithLockout enables per-account brute-force lockout on the login flow.
func WithLockout(g *guard.LockoutGuard) ServiceOption {
	return func(s *Service) error {
		s.lockout = g
		return nil
	}
}

// NewService constructs the identity service. Both signing secrets are
// required and must differ; resolving them (external supply in production,
// ephemeral in dev) is the caller's concern.
func NewService(store Store, secrets Secrets, opts ...ServiceOption) (*Service, error) {
	if len(secrets.Access) == 0 || len(secrets.Refresh) == 0 {
		return nil, errors.New("identity: access and refresh secrets are required")
	}
	if string(secrets.Access) == string(secrets.Refresh) {
		return nil, errors.New("identity: access and refresh secrets must be distinct")
	}
	svc := &Service{
		store:         store,
		now:           time.Now,
		accessSecret:  secrets.Access,
		refreshSecret: secrets.Refresh,
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		resetTTL:      defaultResetTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Signup registers an employer account together with its organisation.
func (s *Service) Signup(ctx context.Context, email, password, name, orgName string) (TokenPair, Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return TokenPair{}, Principal{}, ErrInvalidInput
	}
	orgName = strings.TrimSpace(orgName)
	if orgName == "" {
		return TokenPair{}, Principal{}, ErrInvalidInput
	}
	hash, err := HashPassword(password)
	if err != nil {
		return TokenPair{}, Principal{}, ErrInvalidInput
	}

	org := &Organisation{ID: ids.New(), Name: orgName}
	if err := s.store.Organisations(ctx).Create(ctx, org); err != nil {
		return TokenPair{}, Principal{}, err
	}
	user := &User{
		ID:             ids.New(),
		OrganisationID: org.ID,
		Email:          email,
		Name:           strings.TrimSpace(name),
		PasswordHash:   hash,
		Role:           RoleEmployer,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		// The user row failed (e.g. the email is taken); take the
		// just-created organisation back out.
		if derr := s.store.Organisations(ctx).Delete(ctx, org.ID); derr != nil {
			obs.Error("organisation cleanup after failed signup", map[string]any{"org_id": org.ID})
		}
		return TokenPair{}, Principal{}, err
	}
	principal := principalOf(user)
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Login authenticates credentials and issues a fresh token pair. A locked
// account fails with the same ErrInvalidCredentials as a wrong password,
// even when the password is correct.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	accountKey := guard.AccountKey(email)
	if s.lockout != nil {
		locked, err := s.lockout.IsLocked(ctx, accountKey)
		if err != nil {
			return TokenPair{}, Principal{}, err
		}
		if locked {
			obs.LoginFailures.Inc()
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.noteLoginFailure(ctx, accountKey)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.noteLoginFailure(ctx, accountKey)
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	principal := principalOf(user)
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

func (s *Service) noteLoginFailure(ctx context.Context, accountKey string) {
	obs.LoginFailures.Inc()
	if s.lockout == nil {
		return
	}
	crossed, err := s.lockout.RecordFailure(ctx, accountKey)
	if err != nil {
		obs.Error("lockout counter update failed", map[string]any{"op": "login"})
		return
	}
	if crossed {
		obs.Lockouts.Inc()
	}
}

// Authenticate verifies an access token and returns the embedded principal.
// Stateless by design: signature and expiry only.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	return s.verifyAccessToken(accessToken)
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair is issued. Exactly one of two racing calls on the same token wins;
// the loser gets ErrUnauthorized.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	id, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	rec, err := s.store.RefreshTokens(ctx).Consume(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthorized
		}
		return TokenPair{}, Principal{}, err
	}
	// The record is already removed from the allow-list at this point, so a
	// failing check below permanently consumes the token. That is intended:
	// a forged or expired presentation must not leave the token alive.
	if !hmac.Equal([]byte(rec.TokenHash), []byte(s.refreshTokenHash(secret))) {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	if s.now().After(rec.ExpiresAt) {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthorized
		}
		return TokenPair{}, Principal{}, err
	}
	principal := principalOf(user)
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Logout removes the presented refresh token from the allow-list. Unknown
// and malformed tokens are a no-op: logout always succeeds.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	id, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	return s.store.RefreshTokens(ctx).Revoke(ctx, id)
}

// RevokeAll removes every refresh token owned by the user.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	return s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID)
}

// RequestPasswordReset produces a single-use reset token for out-of-band
// delivery. Unknown emails return an empty token and no error so the
// HTTP response is identical either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	token, rec, err := newResetToken(user.ID, s.resetTTL, s.now())
	if err != nil {
		return "", err
	}
	if err := s.store.ResetTokens(ctx).Create(ctx, rec); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPassword consumes a reset token, updates the password, clears the
// account lockout and force-signs-out every session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	rec, err := s.store.ResetTokens(ctx).Consume(ctx, resetTokenHash(strings.TrimSpace(token)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	if s.now().After(rec.ExpiresAt) {
		return ErrInvalidResetToken
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return ErrInvalidInput
	}
	users := s.store.Users(ctx)
	if err := users.UpdatePassword(ctx, rec.UserID, hash); err != nil {
		return err
	}
	if s.lockout != nil {
		if user, err := users.Find(ctx, rec.UserID); err == nil {
			_ = s.lockout.Clear(ctx, guard.AccountKey(user.Email))
		}
	}
	return s.RevokeAll(ctx, rec.UserID)
}

// CreateEmployee registers (or returns) an employee principal inside the
// given organisation. Used by keypass redemption, where joiners have no
// password yet; they obtain one through the password-reset flow.
func (s *Service) CreateEmployee(ctx context.Context, orgID, email, name string) (Principal, error) {
	if _, err := s.store.Organisations(ctx).Find(ctx, orgID); err != nil {
		return Principal{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	users := s.store.Users(ctx)
	if email != "" {
		if existing, err := users.FindByEmail(ctx, email); err == nil {
			if existing.OrganisationID != orgID {
				return Principal{}, ErrAlreadyExists
			}
			return principalOf(existing), nil
		} else if !errors.Is(err, ErrNotFound) {
			return Principal{}, err
		}
	}
	user := &User{
		ID:             ids.New(),
		OrganisationID: orgID,
		Email:          email,
		Name:           strings.TrimSpace(name),
		Role:           RoleEmployee,
	}
	if user.Email == "" {
		user.Email = strings.ToLower(user.ID) + "@invited.fraudsight.io"
	}
	if err := users.Create(ctx, user); err != nil {
		return Principal{}, err
	}
	return principalOf(user), nil
}

// IssueTokens mints a pair for an already-verified principal (keypass claim).
func (s *Service) IssueTokens(ctx context.Context, p Principal) (TokenPair, error) {
	return s.mintTokens(ctx, p)
}

// Sweep reclaims expired refresh and reset tokens. Hygiene only.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.now()
	if _, err := s.store.RefreshTokens(ctx).DeleteExpired(ctx, now); err != nil {
		return err
	}
	_, err := s.store.ResetTokens(ctx).DeleteExpired(ctx, now)
	return err
}

func (s *Service) mintTokens(ctx context.Context, p Principal) (TokenPair, error) {
	now := s.now()
	access, accessExp, err := s.signAccessToken(p, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rec, err := s.newRefreshToken(p.UserID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func principalOf(u *User) Principal {
	return Principal{
		UserID:         u.ID,
		Email:          u.Email,
		Role:           u.Role,
		OrganisationID: u.OrganisationID,
	}
}
