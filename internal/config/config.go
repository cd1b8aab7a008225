package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fraudsight.io/internal/guard"
)

// Route classes with an independent rate-limit window and ceiling.
const (
	RouteSignup          = "signup"
	RouteLogin           = "login"
	RouteRefresh         = "refresh"
	RoutePasswordReset   = "password-reset"
	RouteKeypassGenerate = "keypass-generate"
	RouteKeypassClaim    = "keypass-claim"
	RouteKeypassValidate = "keypass-validate"
	RoutePurchase        = "purchase"
)

// Config is the environment-level configuration consumed by the core.
type Config struct {
	Env  string
	Addr string

	PGDSN     string
	RedisAddr string

	// Signing secrets for access and refresh tokens. Must be distinct and
	// externally supplied in production; dev/test may run on ephemeral ones.
	AccessTokenSecret  string
	RefreshTokenSecret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration

	LockoutThreshold int64
	LockoutWindow    time.Duration

	KeypassGracePeriod     time.Duration
	KeypassRequiredPackage string

	// PackageTiers is the ordered tier table: package id -> tier rank.
	PackageTiers map[string]int

	RateLimits map[string]guard.Config

	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	RequestTimeout     time.Duration
	SweepInterval      time.Duration
}

// Load reads configuration from the environment (and .env when present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:  getEnv("FRAUDSIGHT_ENV", "development"),
		Addr: getEnv("FRAUDSIGHT_ADDR", ":8080"),

		PGDSN:     strings.TrimSpace(os.Getenv("FRAUDSIGHT_PG_DSN")),
		RedisAddr: strings.TrimSpace(os.Getenv("FRAUDSIGHT_REDIS_ADDR")),

		AccessTokenSecret:  strings.TrimSpace(os.Getenv("FRAUDSIGHT_ACCESS_SECRET")),
		RefreshTokenSecret: strings.TrimSpace(os.Getenv("FRAUDSIGHT_REFRESH_SECRET")),

		AccessTokenTTL:  getDuration("FRAUDSIGHT_ACCESS_TTL", 30*time.Minute),
		RefreshTokenTTL: getDuration("FRAUDSIGHT_REFRESH_TTL", 14*24*time.Hour),
		ResetTokenTTL:   getDuration("FRAUDSIGHT_RESET_TTL", time.Hour),

		LockoutThreshold: int64(getInt("FRAUDSIGHT_LOCKOUT_THRESHOLD", guard.DefaultLockoutThreshold)),
		LockoutWindow:    getDuration("FRAUDSIGHT_LOCKOUT_WINDOW", guard.DefaultLockoutWindow),

		KeypassGracePeriod:     getDuration("FRAUDSIGHT_KEYPASS_GRACE", 7*24*time.Hour),
		KeypassRequiredPackage: getEnv("FRAUDSIGHT_KEYPASS_PACKAGE", "training"),

		PackageTiers: parseTiers(getEnv("FRAUDSIGHT_PACKAGE_TIERS", "basic:1,training:2,full:3")),

		RateLimits: map[string]guard.Config{
			RouteSignup:          getLimit("FRAUDSIGHT_RL_SIGNUP", guard.Config{Window: time.Hour, Max: 10}),
			RouteLogin:           getLimit("FRAUDSIGHT_RL_LOGIN", guard.Config{Window: 15 * time.Minute, Max: 10}),
			RouteRefresh:         getLimit("FRAUDSIGHT_RL_REFRESH", guard.Config{Window: time.Minute, Max: 60}),
			RoutePasswordReset:   getLimit("FRAUDSIGHT_RL_PASSWORD_RESET", guard.Config{Window: time.Hour, Max: 5}),
			RouteKeypassGenerate: getLimit("FRAUDSIGHT_RL_KEYPASS_GENERATE", guard.Config{Window: time.Hour, Max: 10}),
			RouteKeypassClaim:    getLimit("FRAUDSIGHT_RL_KEYPASS_CLAIM", guard.Config{Window: time.Minute, Max: 10}),
			RouteKeypassValidate: getLimit("FRAUDSIGHT_RL_KEYPASS_VALIDATE", guard.Config{Window: time.Minute, Max: 30}),
			RoutePurchase:        getLimit("FRAUDSIGHT_RL_PURCHASE", guard.Config{Window: time.Minute, Max: 10}),
		},

		ServerReadTimeout:  getDuration("FRAUDSIGHT_READ_TIMEOUT", 15*time.Second),
		ServerWriteTimeout: getDuration("FRAUDSIGHT_WRITE_TIMEOUT", 15*time.Second),
		ServerIdleTimeout:  getDuration("FRAUDSIGHT_IDLE_TIMEOUT", 60*time.Second),
		RequestTimeout:     getDuration("FRAUDSIGHT_REQUEST_TIMEOUT", 10*time.Second),
		SweepInterval:      getDuration("FRAUDSIGHT_SWEEP_INTERVAL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production guarantees.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate enforces startup invariants. A production process without
// externally supplied signing secrets must refuse to start: two replicas on
// independently generated secrets would silently reject each other's tokens,
// and a guessable default would let anyone mint them.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FRAUDSIGHT_ADDR cannot be empty")
	}
	if c.IsProduction() {
		if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
			return fmt.Errorf("FRAUDSIGHT_ACCESS_SECRET and FRAUDSIGHT_REFRESH_SECRET are required in production")
		}
		if c.PGDSN == "" {
			return fmt.Errorf("FRAUDSIGHT_PG_DSN is required in production")
		}
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("access and refresh token secrets must be distinct")
	}
	if len(c.PackageTiers) == 0 {
		return fmt.Errorf("FRAUDSIGHT_PACKAGE_TIERS cannot be empty")
	}
	if _, ok := c.PackageTiers[c.KeypassRequiredPackage]; !ok {
		return fmt.Errorf("FRAUDSIGHT_KEYPASS_PACKAGE %q is not in the tier table", c.KeypassRequiredPackage)
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

// getLimit parses "max/window" (e.g. "10/15m") into a rate-limit config.
func getLimit(key string, fallback guard.Config) guard.Config {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return fallback
	}
	max, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || max <= 0 {
		return fallback
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return fallback
	}
	return guard.Config{Window: window, Max: max}
}

// parseTiers parses "basic:1,training:2,full:3".
func parseTiers(raw string) map[string]int {
	out := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		tier, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || tier <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(kv[0]))
		if name == "" {
			continue
		}
		out[name] = tier
	}
	return out
}
