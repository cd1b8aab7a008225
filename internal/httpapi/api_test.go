package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fraudsight.io/internal/billing"
	"fraudsight.io/internal/config"
	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/identity"
	"fraudsight.io/internal/keypass"
)

type testAPI struct {
	srv     *httptest.Server
	billing *billing.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	counters := guard.NewMemoryCounterStore()
	limiter := guard.NewRateLimiter(counters)
	lockout := guard.NewLockoutGuard(counters, 5, 15*time.Minute)

	idSvc, err := identity.NewService(identity.NewMemoryStore(), identity.Secrets{
		Access:  []byte("test-access-secret"),
		Refresh: []byte("test-refresh-secret"),
	}, identity.WithLockout(lockout))
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}

	catalog := billing.NewCatalog(map[string]int{"basic": 1, "training": 2, "full": 3})
	billingSvc := billing.NewService(billing.NewMemoryStore(), catalog)

	keypassSvc := keypass.NewService(keypass.NewMemoryStore(), billingSvc, idSvc,
		keypass.WithRequiredPackage("training"),
		keypass.WithRateLimit(limiter, config.RouteKeypassGenerate, guard.Config{Window: time.Hour, Max: 100}),
	)

	api := New(Options{
		Identity:  idSvc,
		Keypasses: keypassSvc,
		Billing:   billingSvc,
		Limiter:   limiter,
		RateLimits: map[string]guard.Config{
			config.RouteLogin: {Window: 15 * time.Minute, Max: 20},
		},
		Version:           "test",
		ExposeResetTokens: true,
	})

	srv := httptest.NewServer(RequestID(api.Handler()))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, billing: billingSvc}
}

// call sends a JSON request and decodes the JSON response body into a map.
func (ta *testAPI) call(t *testing.T, method, path, token string, body any) (int, map[string]any, http.Header) {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ta.srv.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ta.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode, decoded, resp.Header
}

// signupEmployer registers an employer and returns the access token.
func (ta *testAPI) signupEmployer(t *testing.T, email string) (token string, body map[string]any) {
	t.Helper()
	status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":             email,
		"password":          "s3cret-pass",
		"name":              "Owner",
		"organisation_name": "Acme " + email,
	})
	if status != http.StatusCreated {
		t.Fatalf("signup status = %d, body %v", status, resp)
	}
	return resp["access_token"].(string), resp
}

// buyTraining purchases and confirms the training package for the caller.
func (ta *testAPI) buyTraining(t *testing.T, token string) {
	t.Helper()
	status, purchase, _ := ta.call(t, http.MethodPost, "/v1/purchases", token, map[string]any{
		"package_id": "training",
	})
	if status != http.StatusCreated {
		t.Fatalf("create purchase status = %d, body %v", status, purchase)
	}
	id := purchase["id"].(string)
	status, confirmed, _ := ta.call(t, http.MethodPost, "/v1/purchases/"+id+"/confirm", token, nil)
	if status != http.StatusOK {
		t.Fatalf("confirm status = %d, body %v", status, confirmed)
	}
	if confirmed["status"] != "succeeded" {
		t.Fatalf("purchase status = %v, want succeeded", confirmed["status"])
	}
}

func TestOnboardingScenario(t *testing.T) {
	ta := newTestAPI(t)

	// An employer signs up and buys the training package.
	token, signup := ta.signupEmployer(t, "owner@acme.test")
	user := signup["user"].(map[string]any)
	if user["role"] != "employer" {
		t.Fatalf("role = %v, want employer", user["role"])
	}

	// Keypass generation before any purchase is forbidden.
	status, resp, _ := ta.call(t, http.MethodPost, "/v1/keypasses", token, map[string]any{"count": 3})
	if status != http.StatusForbidden || resp["code"] != "PACKAGE_REQUIRED" {
		t.Fatalf("generate before purchase: status = %d, body %v", status, resp)
	}

	ta.buyTraining(t, token)

	// Now three keypasses can be generated.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/keypasses", token, map[string]any{"count": 3})
	if status != http.StatusCreated {
		t.Fatalf("generate status = %d, body %v", status, resp)
	}
	items := resp["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("generated %d keypasses, want 3", len(items))
	}
	code := items[0].(map[string]any)["code"].(string)

	// The code validates as available without a session.
	status, resp, _ = ta.call(t, http.MethodGet, "/v1/keypasses/"+code+"/validate", "", nil)
	if status != http.StatusOK || resp["status"] != "available" {
		t.Fatalf("validate: status = %d, body %v", status, resp)
	}

	// An employee claims it and receives a working session.
	status, claim, _ := ta.call(t, http.MethodPost, "/v1/keypasses/claim", "", map[string]any{
		"code":  code,
		"email": "hire@acme.test",
		"name":  "New Hire",
	})
	if status != http.StatusOK {
		t.Fatalf("claim status = %d, body %v", status, claim)
	}
	claimedUser := claim["user"].(map[string]any)
	if claimedUser["role"] != "employee" {
		t.Fatalf("claimed role = %v, want employee", claimedUser["role"])
	}
	if claimedUser["organisation_id"] != user["organisation_id"] {
		t.Fatalf("claimed org = %v, want %v", claimedUser["organisation_id"], user["organisation_id"])
	}
	employeeToken := claim["access_token"].(string)
	status, me, _ := ta.call(t, http.MethodGet, "/v1/auth/me", employeeToken, nil)
	if status != http.StatusOK || me["email"] != "hire@acme.test" {
		t.Fatalf("me: status = %d, body %v", status, me)
	}

	// The code now validates as used and cannot be claimed again.
	status, resp, _ = ta.call(t, http.MethodGet, "/v1/keypasses/"+code+"/validate", "", nil)
	if status != http.StatusOK || resp["status"] != "used" {
		t.Fatalf("validate used: status = %d, body %v", status, resp)
	}
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/keypasses/claim", "", map[string]any{"code": code})
	if status != http.StatusConflict || resp["code"] != "NOT_AVAILABLE" {
		t.Fatalf("second claim: status = %d, body %v", status, resp)
	}

	// Employees cannot generate keypasses.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/keypasses", employeeToken, map[string]any{"count": 1})
	if status != http.StatusForbidden || resp["code"] != "FORBIDDEN" {
		t.Fatalf("employee generate: status = %d, body %v", status, resp)
	}
}

func TestGenerateKeypassesWithExpiryWindow(t *testing.T) {
	ta := newTestAPI(t)
	token, _ := ta.signupEmployer(t, "expiry@acme.test")
	ta.buyTraining(t, token)

	status, resp, _ := ta.call(t, http.MethodPost, "/v1/keypasses", token, map[string]any{
		"count":           1,
		"expires_in_days": 7,
	})
	if status != http.StatusCreated {
		t.Fatalf("generate status = %d, body %v", status, resp)
	}
	items := resp["items"].([]any)
	raw := items[0].(map[string]any)["expires_at"].(string)
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("parse expires_at %q: %v", raw, err)
	}
	want := time.Now().Add(7 * 24 * time.Hour)
	if diff := expiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expires_at = %v, want about %v", expiresAt, want)
	}

	status, resp, _ = ta.call(t, http.MethodPost, "/v1/keypasses", token, map[string]any{
		"count":           1,
		"expires_in_days": -1,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("negative expiry: status = %d, body %v", status, resp)
	}
}

func TestLogoutWithoutBody(t *testing.T) {
	ta := newTestAPI(t)
	_, signup := ta.signupEmployer(t, "logout@acme.test")
	refresh := signup["refresh_token"].(string)

	// Logging out with no body is a no-op that still succeeds.
	status, _, _ := ta.call(t, http.MethodPost, "/v1/auth/logout", "", nil)
	if status != http.StatusNoContent {
		t.Fatalf("bodyless logout status = %d, want 204", status)
	}

	// With a body, the presented refresh token is revoked.
	status, _, _ = ta.call(t, http.MethodPost, "/v1/auth/logout", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", status)
	}
	status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d, body %v", status, resp)
	}
}

func TestDuplicatePurchaseOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	token, _ := ta.signupEmployer(t, "owner@dup.test")
	ta.buyTraining(t, token)

	status, resp, _ := ta.call(t, http.MethodPost, "/v1/purchases", token, map[string]any{
		"package_id": "training",
	})
	if status != http.StatusConflict || resp["code"] != "DUPLICATE_PURCHASE" {
		t.Fatalf("status = %d, body %v", status, resp)
	}
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAPI(t)

	status, resp, _ := ta.call(t, http.MethodGet, "/v1/auth/me", "", nil)
	if status != http.StatusUnauthorized || resp["code"] != "UNAUTHENTICATED" {
		t.Fatalf("no token: status = %d, body %v", status, resp)
	}
	status, resp, _ = ta.call(t, http.MethodGet, "/v1/auth/me", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, body %v", status, resp)
	}
	// Public endpoints stay reachable.
	status, _, _ = ta.call(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
}

func TestLockoutOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.signupEmployer(t, "locked@acme.test")

	for i := 0; i < 5; i++ {
		status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
			"email":    "locked@acme.test",
			"password": "wrong-password",
		})
		if status != http.StatusUnauthorized || resp["code"] != "INVALID_CREDENTIALS" {
			t.Fatalf("attempt %d: status = %d, body %v", i, status, resp)
		}
	}

	// The correct password now fails with the identical error shape.
	status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "locked@acme.test",
		"password": "s3cret-pass",
	})
	if status != http.StatusUnauthorized || resp["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("locked login: status = %d, body %v", status, resp)
	}
}

func TestLoginRateLimitOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.signupEmployer(t, "limited@acme.test")

	var status int
	var resp map[string]any
	var hdr http.Header
	for i := 0; i < 21; i++ {
		status, resp, hdr = ta.call(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
			"email":    "limited@acme.test",
			"password": "s3cret-pass",
		})
	}
	if status != http.StatusTooManyRequests || resp["code"] != "RATE_LIMITED" {
		t.Fatalf("status = %d, body %v", status, resp)
	}
	if hdr.Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	_, signup := ta.signupEmployer(t, "rotate@acme.test")
	refresh := signup["refresh_token"].(string)

	status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d, body %v", status, resp)
	}
	// The consumed token is dead.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refresh,
	})
	if status != http.StatusUnauthorized || resp["code"] != "UNAUTHENTICATED" {
		t.Fatalf("replay status = %d, body %v", status, resp)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.signupEmployer(t, "reset@acme.test")

	status, resp, _ := ta.call(t, http.MethodPost, "/v1/auth/password-reset/request", "", map[string]any{
		"email": "reset@acme.test",
	})
	if status != http.StatusAccepted {
		t.Fatalf("request status = %d, body %v", status, resp)
	}
	resetToken, _ := resp["reset_token"].(string)
	if resetToken == "" {
		t.Fatal("expected reset_token in dev mode")
	}

	// An unknown email answers identically, minus the token.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/auth/password-reset/request", "", map[string]any{
		"email": "ghost@acme.test",
	})
	if status != http.StatusAccepted {
		t.Fatalf("unknown email status = %d", status)
	}
	if _, leaked := resp["reset_token"]; leaked {
		t.Fatal("unknown email must not yield a token")
	}

	status, resp, _ = ta.call(t, http.MethodPost, "/v1/auth/password-reset/confirm", "", map[string]any{
		"token":        resetToken,
		"new_password": "brand-new-pass",
	})
	if status != http.StatusOK {
		t.Fatalf("confirm status = %d, body %v", status, resp)
	}

	// Old password dead, new password works.
	status, _, _ = ta.call(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "reset@acme.test", "password": "s3cret-pass",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("old password status = %d", status)
	}
	status, _, _ = ta.call(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "reset@acme.test", "password": "brand-new-pass",
	})
	if status != http.StatusOK {
		t.Fatalf("new password status = %d", status)
	}

	// The reset token is single use.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/auth/password-reset/confirm", "", map[string]any{
		"token":        resetToken,
		"new_password": "another-pass-123",
	})
	if status != http.StatusUnauthorized || resp["code"] != "INVALID_TOKEN" {
		t.Fatalf("reuse status = %d, body %v", status, resp)
	}
}

func TestWebhookOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	token, _ := ta.signupEmployer(t, "hooks@acme.test")

	status, purchase, _ := ta.call(t, http.MethodPost, "/v1/purchases", token, map[string]any{
		"package_id": "full",
	})
	if status != http.StatusCreated {
		t.Fatalf("create purchase status = %d", status)
	}
	intent := purchase["payment_intent_id"].(string)

	event := map[string]any{
		"id":   "evt_http_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"payment_intent_id": intent},
	}
	status, resp, _ := ta.call(t, http.MethodPost, "/v1/webhooks/payment", "", event)
	if status != http.StatusOK || resp["received"] != true || resp["duplicate"] != false {
		t.Fatalf("first delivery: status = %d, body %v", status, resp)
	}

	// Redelivery acknowledges without side effects.
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/webhooks/payment", "", event)
	if status != http.StatusOK || resp["duplicate"] != true {
		t.Fatalf("redelivery: status = %d, body %v", status, resp)
	}

	id := purchase["id"].(string)
	status, got, _ := ta.call(t, http.MethodGet, "/v1/purchases/"+id, token, nil)
	if status != http.StatusOK || got["status"] != "succeeded" {
		t.Fatalf("purchase after webhook: status = %d, body %v", status, got)
	}
}

func TestForeignPurchaseReadsAsNotFound(t *testing.T) {
	ta := newTestAPI(t)
	ownerToken, _ := ta.signupEmployer(t, "owner@one.test")
	otherToken, _ := ta.signupEmployer(t, "owner@two.test")

	status, purchase, _ := ta.call(t, http.MethodPost, "/v1/purchases", ownerToken, map[string]any{
		"package_id": "basic",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	id := purchase["id"].(string)

	status, resp, _ := ta.call(t, http.MethodGet, "/v1/purchases/"+id, otherToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign get: status = %d, body %v", status, resp)
	}
	status, resp, _ = ta.call(t, http.MethodPost, "/v1/purchases/"+id+"/confirm", otherToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign confirm: status = %d, body %v", status, resp)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ta := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, ta.srv.URL+"/v1/auth/me", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-Id", "req-abc-123")
	resp, err := ta.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-Id"); got != "req-abc-123" {
		t.Fatalf("echoed request id = %q", got)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["request_id"] != "req-abc-123" {
		t.Fatalf("request_id in error body = %v", body["request_id"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)
	status, _, hdr := ta.call(t, http.MethodGet, "/v1/auth/login", "", nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", status)
	}
	if hdr.Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", hdr.Get("Allow"))
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"Bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr != (err != nil) {
			t.Errorf("extractBearerToken(%q) err = %v, wantErr %v", tc.header, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestHealthAndInfo(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		status, body, _ := ta.call(t, http.MethodGet, path, "", nil)
		if status != http.StatusOK {
			t.Fatalf("%s status = %d, body %v", path, status, body)
		}
	}
}
