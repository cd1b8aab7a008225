package keypass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/identity"
)

type stubEntitlements struct {
	entitled bool
	asked    string
}

func (s *stubEntitlements) OrganisationEntitled(ctx context.Context, orgID, requiredPackageID string) (bool, error) {
	s.asked = requiredPackageID
	return s.entitled, nil
}

type testEnv struct {
	svc          *Service
	store        *MemoryStore
	entitlements *stubEntitlements
	directory    *identity.Service
	orgID        string
	now          time.Time
	clock        *time.Time
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	idStore := identity.NewMemoryStore()
	directory, err := identity.NewService(idStore, identity.Secrets{
		Access:  []byte("test-access-secret"),
		Refresh: []byte("test-refresh-secret"),
	}, identity.WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	_, principal, err := directory.Signup(context.Background(), "owner@acme.test", "s3cret-pass", "Owner", "Acme")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	store := NewMemoryStore()
	entitlements := &stubEntitlements{entitled: true}
	opts = append([]ServiceOption{WithClock(func() time.Time { return *clock })}, opts...)
	svc := NewService(store, entitlements, directory, opts...)

	return &testEnv{
		svc:          svc,
		store:        store,
		entitlements: entitlements,
		directory:    directory,
		orgID:        principal.OrganisationID,
		now:          now,
		clock:        clock,
	}
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 3, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(passes) != 3 {
		t.Fatalf("len = %d, want 3", len(passes))
	}
	seen := make(map[string]bool)
	for _, kp := range passes {
		if kp.Status != StatusAvailable {
			t.Fatalf("status = %q, want available", kp.Status)
		}
		if kp.OrganisationID != env.orgID {
			t.Fatalf("org = %q, want %q", kp.OrganisationID, env.orgID)
		}
		if Normalize(kp.Code) != kp.Code {
			t.Fatalf("code %q is not canonical", kp.Code)
		}
		if seen[kp.Code] {
			t.Fatalf("duplicate code %q in one batch", kp.Code)
		}
		seen[kp.Code] = true
		if !kp.ExpiresAt.Equal(env.now.Add(defaultTTL)) {
			t.Fatalf("expiry = %v, want %v", kp.ExpiresAt, env.now.Add(defaultTTL))
		}
	}
}

func TestGenerateRequiresEntitlement(t *testing.T) {
	env := newTestEnv(t, WithRequiredPackage("training"))
	env.entitlements.entitled = false

	if _, err := env.svc.Generate(context.Background(), env.orgID, "user-1", 1, 0); !errors.Is(err, ErrPackageRequired) {
		t.Fatalf("err = %v, want ErrPackageRequired", err)
	}
	if env.entitlements.asked != "training" {
		t.Fatalf("required package asked = %q, want training", env.entitlements.asked)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	env := newTestEnv(t)
	counters := guard.NewMemoryCounterStore()
	limiter := guard.NewRateLimiter(counters)
	WithRateLimit(limiter, "keypass-generate", guard.Config{Window: time.Hour, Max: 2})(env.svc)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}
	if _, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	// A different organisation has its own window.
	if _, err := env.svc.Generate(ctx, "other-org", "user-2", 1, 0); err != nil {
		t.Fatalf("other org: %v", err)
	}
}

func TestGenerateBatchBound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Generate(context.Background(), env.orgID, "user-1", maxBatch+1, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestGenerateExpiryWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 7)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := env.now.Add(7 * 24 * time.Hour); !passes[0].ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", passes[0].ExpiresAt, want)
	}

	// Zero falls back to the service default.
	passes, err = env.svc.Generate(ctx, env.orgID, "user-1", 1, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := env.now.Add(defaultTTL); !passes[0].ExpiresAt.Equal(want) {
		t.Fatalf("default expiry = %v, want %v", passes[0].ExpiresAt, want)
	}

	for _, days := range []int{-1, maxExpiryDays + 1} {
		if _, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, days); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expiresInDays=%d: err = %v, want ErrInvalidInput", days, err)
		}
	}
}

func TestClaimEnrollsEmployee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	code := passes[0].Code

	pair, principal, err := env.svc.Claim(ctx, code, "new.hire@acme.test", "New Hire")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if principal.Role != identity.RoleEmployee {
		t.Fatalf("role = %q, want employee", principal.Role)
	}
	if principal.OrganisationID != env.orgID {
		t.Fatalf("org = %q, want %q", principal.OrganisationID, env.orgID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}
	// The minted session authenticates.
	got, err := env.directory.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.UserID != principal.UserID {
		t.Fatalf("authenticated user = %q, want %q", got.UserID, principal.UserID)
	}

	kp, err := env.svc.Validate(ctx, code)
	if err != nil {
		t.Fatalf("Validate after claim: %v", err)
	}
	if kp.Status != StatusUsed {
		t.Fatalf("status = %q, want used", kp.Status)
	}
	if kp.UsedBy != principal.UserID {
		t.Fatalf("used_by = %q, want %q", kp.UsedBy, principal.UserID)
	}

	// A second claim of the same code must fail.
	if _, _, err := env.svc.Claim(ctx, code, "other@acme.test", "Other"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("second claim: err = %v, want ErrNotAvailable", err)
	}
}

func TestClaimAcceptsSloppyInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sloppy := "  " + passes[0].Code
	sloppy = sloppy[:6] + " " + sloppy[6:] // stray space inside
	if _, _, err := env.svc.Claim(ctx, sloppy, "hire@acme.test", "Hire"); err != nil {
		t.Fatalf("Claim with sloppy input: %v", err)
	}
}

func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	code := passes[0].Code

	const contenders = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := env.svc.Claim(ctx, code, "", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotAvailable):
				losses++
			default:
				t.Errorf("claimer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if losses != contenders-1 {
		t.Fatalf("losses = %d, want %d", losses, contenders-1)
	}
}

func TestExpiryAndGraceOrdering(t *testing.T) {
	env := newTestEnv(t, WithTTL(24*time.Hour), WithGracePeriod(48*time.Hour))
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	code := passes[0].Code

	// Just before expiry: claimable.
	env.advance(24*time.Hour - time.Minute)
	if _, err := env.svc.Validate(ctx, code); err != nil {
		t.Fatalf("Validate before expiry: %v", err)
	}

	// Past expiry, inside grace: the claim fails with the expired
	// diagnostic, never with not-found.
	env.advance(2 * time.Minute)
	if _, _, err := env.svc.Claim(ctx, code, "", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("claim inside grace: err = %v, want ErrExpired", err)
	}
	if _, err := env.svc.Validate(ctx, code); !errors.Is(err, ErrExpired) {
		t.Fatalf("validate inside grace: err = %v, want ErrExpired", err)
	}

	// Past expiry plus grace: indistinguishable from a code that never
	// existed, even before the sweep physically removes the row.
	env.advance(48 * time.Hour)
	if _, _, err := env.svc.Claim(ctx, code, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim past grace: err = %v, want ErrNotFound", err)
	}

	n, err := env.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if _, err := env.svc.Validate(ctx, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("validate after sweep: err = %v, want ErrNotFound", err)
	}
}

func TestSweepSparesGraceWindow(t *testing.T) {
	env := newTestEnv(t, WithTTL(time.Hour), WithGracePeriod(24*time.Hour))
	ctx := context.Background()

	if _, err := env.svc.Generate(ctx, env.orgID, "user-1", 1, 0); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	env.advance(2 * time.Hour) // expired, but inside grace
	n, err := env.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept = %d, want 0 inside grace", n)
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	passes, err := env.svc.Generate(ctx, env.orgID, "user-1", 2, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := env.svc.Revoke(ctx, env.orgID, passes[0].Code); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, err := env.svc.Claim(ctx, passes[0].Code, "", ""); !errors.Is(err, ErrRevoked) {
		t.Fatalf("claim revoked: err = %v, want ErrRevoked", err)
	}
	// Revoking again is a no-op.
	if err := env.svc.Revoke(ctx, env.orgID, passes[0].Code); err != nil {
		t.Fatalf("repeat Revoke: %v", err)
	}

	// A used keypass cannot be revoked.
	if _, _, err := env.svc.Claim(ctx, passes[1].Code, "hire@acme.test", "Hire"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := env.svc.Revoke(ctx, env.orgID, passes[1].Code); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("revoke used: err = %v, want ErrNotAvailable", err)
	}

	// A foreign organisation sees not-found, not forbidden.
	if err := env.svc.Revoke(ctx, "other-org", passes[0].Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign revoke: err = %v, want ErrNotFound", err)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"K7MD-2QGH-XV4N", "K7MD-2QGH-XV4N"},
		{"k7md-2qgh-xv4n", "K7MD-2QGH-XV4N"},
		{"  k7md 2qgh xv4n ", "K7MD-2QGH-XV4N"},
		{"K7MD2QGHXV4N", "K7MD-2QGH-XV4N"},
		{"K7MD-2QGH", ""},         // too short
		{"K7MD-2QGH-XV4N-AB", ""}, // too long
		{"K7MD-2QGH-XV40", ""},    // 0 is not in the alphabet
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("NewCode: %v", err)
		}
		if Normalize(code) != code {
			t.Fatalf("code %q is not canonical", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = true
	}
}
