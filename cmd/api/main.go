package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"fraudsight.io/internal/billing"
	"fraudsight.io/internal/config"
	"fraudsight.io/internal/guard"
	"fraudsight.io/internal/httpapi"
	"fraudsight.io/internal/identity"
	"fraudsight.io/internal/keypass"
	"fraudsight.io/internal/obs"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	secrets, err := resolveSecrets(cfg)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise (dev/test).
	var (
		db           *sql.DB
		idStore      identity.Store
		keypassStore keypass.Store
		billingStore billing.Store
	)
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		idStore = identity.NewPGStore(db)
		keypassStore = keypass.NewPGStore(db)
		billingStore = billing.NewPGStore(db)
	} else {
		obs.Warn("no FRAUDSIGHT_PG_DSN set, using in-memory stores", map[string]any{"env": cfg.Env})
		idStore = identity.NewMemoryStore()
		keypassStore = keypass.NewMemoryStore()
		billingStore = billing.NewMemoryStore()
	}

	// Counters live in Redis when configured so rate limits and lockouts are
	// shared across replicas.
	var counters guard.CounterStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		counters = guard.NewRedisCounterStore(rdb)
	} else {
		counters = guard.NewMemoryCounterStore()
	}
	limiter := guard.NewRateLimiter(counters)
	lockout := guard.NewLockoutGuard(counters, cfg.LockoutThreshold, cfg.LockoutWindow)

	idSvc, err := identity.NewService(idStore, secrets,
		identity.WithAccessTTL(cfg.AccessTokenTTL),
		identity.WithRefreshTTL(cfg.RefreshTokenTTL),
		identity.WithResetTTL(cfg.ResetTokenTTL),
		identity.WithLockout(lockout),
	)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	catalog := billing.NewCatalog(cfg.PackageTiers)
	billingSvc := billing.NewService(billingStore, catalog)

	keypassSvc := keypass.NewService(keypassStore, billingSvc, idSvc,
		keypass.WithGracePeriod(cfg.KeypassGracePeriod),
		keypass.WithRequiredPackage(cfg.KeypassRequiredPackage),
		keypass.WithRateLimit(limiter, config.RouteKeypassGenerate, cfg.RateLimits[config.RouteKeypassGenerate]),
	)

	api := httpapi.New(httpapi.Options{
		Identity:          idSvc,
		Keypasses:         keypassSvc,
		Billing:           billingSvc,
		Limiter:           limiter,
		RateLimits:        cfg.RateLimits,
		ReadyProbe:        httpapi.ReadyProbe{DB: db},
		Version:           version,
		ExposeResetTokens: !cfg.IsProduction(),
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), 50, 25),
						1<<20)))))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ServerReadTimeout,
		ReadHeaderTimeout: cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	// Background hygiene: expired refresh/reset tokens, lapsed keypasses,
	// stale counter windows.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweep(sweepCtx, cfg.SweepInterval, idSvc, keypassSvc, counters)

	obs.Info("starting fraudsight-core", map[string]any{
		"version": version,
		"addr":    cfg.Addr,
		"env":     cfg.Env,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("shutting down", nil)

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}

// resolveSecrets returns the configured signing secrets. Production requires
// them (config.Validate already enforces that); elsewhere missing secrets
// fall back to ephemeral ones with a loud warning, which invalidates every
// outstanding token on restart.
func resolveSecrets(cfg *config.Config) (identity.Secrets, error) {
	s := identity.Secrets{
		Access:  []byte(cfg.AccessTokenSecret),
		Refresh: []byte(cfg.RefreshTokenSecret),
	}
	if len(s.Access) > 0 && len(s.Refresh) > 0 {
		return s, nil
	}
	if len(s.Access) == 0 {
		b, err := randomSecret()
		if err != nil {
			return identity.Secrets{}, err
		}
		s.Access = b
	}
	if len(s.Refresh) == 0 {
		b, err := randomSecret()
		if err != nil {
			return identity.Secrets{}, err
		}
		s.Refresh = b
	}
	obs.Warn("signing secrets not configured, generated ephemeral ones; all tokens die on restart", map[string]any{
		"env": cfg.Env,
	})
	return s, nil
}

func randomSecret() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return []byte(base64.RawStdEncoding.EncodeToString(raw)), nil
}

func sweep(ctx context.Context, interval time.Duration, idSvc *identity.Service, kpSvc *keypass.Service, counters guard.CounterStore) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := idSvc.Sweep(ctx); err != nil {
				obs.Error("token sweep failed", map[string]any{"err": err.Error()})
			}
			if _, err := kpSvc.Sweep(ctx); err != nil {
				obs.Error("keypass sweep failed", map[string]any{"err": err.Error()})
			}
			if mem, ok := counters.(*guard.MemoryCounterStore); ok {
				mem.Sweep(ctx)
			}
		}
	}
}
