package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fraudsight.io/internal/billing"
	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/identity"
	"fraudsight.io/internal/keypass"
	"fraudsight.io/internal/obs"
)

// ReadyProbe checks the dependencies the service cannot run without.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the API onto its services.
type Options struct {
	Identity  *identity.Service
	Keypasses *keypass.Service
	Billing   *billing.Service

	Limiter    *guard.RateLimiter
	RateLimits map[string]guard.Config

	ReadyProbe ReadyProbe
	Version    string

	// ExposeResetTokens returns password-reset tokens in the HTTP response
	// instead of delivering them out of band. Dev and test environments only.
	ExposeResetTokens bool
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	identity  *identity.Service
	keypasses *keypass.Service
	billing   *billing.Service

	limiter    *guard.RateLimiter
	rateLimits map[string]guard.Config

	readyProbe ReadyProbe
	version    string

	exposeResetTokens bool
}

func New(opts Options) *API {
	a := &API{
		mux:               http.NewServeMux(),
		identity:          opts.Identity,
		keypasses:         opts.Keypasses,
		billing:           opts.Billing,
		limiter:           opts.Limiter,
		rateLimits:        opts.RateLimits,
		readyProbe:        opts.ReadyProbe,
		version:           opts.Version,
		exposeResetTokens: opts.ExposeResetTokens,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password-reset/request", a.handlePasswordResetRequest)
	a.mux.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// keypasses
	a.mux.HandleFunc("/v1/keypasses", a.handleKeypassCollection)
	a.mux.HandleFunc("/v1/keypasses/claim", a.handleKeypassClaim)
	a.mux.HandleFunc("/v1/keypasses/", a.handleKeypassResource)

	// purchases and webhooks
	a.mux.HandleFunc("/v1/purchases", a.handlePurchaseCollection)
	a.mux.HandleFunc("/v1/purchases/", a.handlePurchaseResource)
	a.mux.HandleFunc("/v1/webhooks/payment", a.handlePaymentWebhook)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully assembled middleware chain.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- platform handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fraudsight-core",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fraudsight-core",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- rate limiting ---

// allow consults the per-route fixed-window limiter. When the ceiling is hit
// it writes the 429 itself and reports false.
func (a *API) allow(w http.ResponseWriter, r *http.Request, class, key string) bool {
	if a.limiter == nil {
		return true
	}
	cfg, ok := a.rateLimits[class]
	if !ok {
		return true
	}
	allowed, retryAfter, err := a.limiter.Allow(r.Context(), class, key, cfg)
	if err != nil {
		obs.Error("rate limiter unavailable", map[string]any{"class": class})
		// Fail open: throttling is best-effort and must not take the API down.
		return true
	}
	if !allowed {
		obs.RateLimitRejections.WithLabelValues(class).Inc()
		secs := int(retryAfter/time.Second) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeErrorCode(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return false
	}
	return true
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

// writeErrorCode emits the error payload. errCode is the stable machine-
// readable discriminator for statuses that carry more than one failure kind.
func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, errCode, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if errCode != "" {
		payload["code"] = errCode
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// errBodyRequired marks an absent request body. Handlers whose body is
// optional ignore it instead of answering 400.
var errBodyRequired = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
