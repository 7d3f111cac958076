package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/resumevault/backend/internal/config"
	"github.com/resumevault/backend/internal/db"
	"github.com/resumevault/backend/internal/guard"
	"github.com/resumevault/backend/internal/handlers"
	"github.com/resumevault/backend/internal/ledger"
	"github.com/resumevault/backend/internal/middleware"
	"github.com/resumevault/backend/internal/repositories"
	"github.com/resumevault/backend/internal/storage"
	"github.com/resumevault/backend/internal/sweeper"
	"github.com/resumevault/backend/internal/tokens"
)

const (
	mediaPrefix    = "/media"
	limiterIdleTTL = 10 * time.Minute
)

// assetRepository is satisfied by both the postgres and in-memory repositories.
type assetRepository interface {
	handlers.AssetStore
	guard.AssetStore
	sweeper.AssetStore
}

// components holds everything a serve or sweep command needs, plus the resources
// to release when it exits.
type components struct {
	deps    handlers.Dependencies
	sweeper *sweeper.Sweeper
	// media serves objects from the in-memory store; nil for real providers.
	media   http.Handler
	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// Handler assembles the routed, logged HTTP handler.
func (c *components) Handler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, c.deps)
	if c.media != nil {
		mux.Handle(mediaPrefix+"/", http.StripPrefix(mediaPrefix, c.media))
	}
	return middleware.RequestLogger(logger)(mux)
}

// buildDependencies wires together concrete implementations used by the HTTP handlers
// and the sweeper.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	checks := make(map[string]handlers.HealthCheck)

	var pool *pgxpool.Pool
	if cfg.LedgerBackend != "memory" {
		pool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, pool.Close)
		checks["postgres"] = pool.Ping
	}

	var redisClient *redis.Client
	if cfg.LedgerBackend == "redis" || cfg.Sweep.Lock == "redis" {
		redisClient, err = db.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = redisClient.Close() })
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var views ledger.Ledger
	switch cfg.LedgerBackend {
	case "postgres":
		views = ledger.NewPostgresLedger(pool)
	case "redis":
		views = ledger.NewRedisLedger(redisClient, cfg.Redis.Prefix)
	case "memory":
		views = ledger.NewMemoryLedger()
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	var assets assetRepository
	if pool != nil {
		assets = repositories.NewPostgresAssetRepository(pool)
	} else {
		assets = repositories.NewMemoryAssetRepository()
	}

	store, media, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.media = media

	issuer, err := tokens.NewIssuer([]byte(cfg.Policy.TokenSecret), cfg.Policy.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("create token issuer: %w", err)
	}

	accessGuard := guard.New(assets, views, issuer, guard.Policy{
		ViewCap:        cfg.Policy.ViewCap,
		TokenTTL:       cfg.Policy.TokenTTL,
		ReuseLiveGrant: cfg.Policy.ReuseLiveGrant,
	})

	sweepCfg := sweeper.Config{
		ViewCap:         cfg.Policy.ViewCap,
		Interval:        cfg.Sweep.Interval,
		RetentionWindow: cfg.Sweep.RetentionWindow,
		DeleteTimeout:   cfg.Sweep.DeleteTimeout,
	}
	if cfg.Sweep.Lock == "redis" {
		sweepCfg.Locker = sweeper.NewRedisLocker(redisClient, cfg.Redis.Prefix, cfg.Sweep.LockTTL)
	}
	c.sweeper = sweeper.New(assets, views, store, sweepCfg, logger)

	c.deps = handlers.Dependencies{
		Guard:          accessGuard,
		Tokens:         issuer,
		Assets:         assets,
		Storage:        store,
		AccessLimiter:  middleware.NewIPRateLimiter(cfg.HTTP.AccessRatePerMin, cfg.HTTP.AccessBurst, limiterIdleTTL),
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		HealthChecks:   checks,
	}

	return c, nil
}

// buildStorage selects the object store. The in-memory store also returns the handler
// that serves its objects under /media.
func buildStorage(ctx context.Context, cfg config.Config) (storage.Provider, http.Handler, error) {
	switch cfg.Storage.Provider {
	case "s3":
		store, err := storage.NewS3Storage(ctx, cfg.Storage.ObjectStore, cfg.Storage.StreamURLTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("configure s3 storage: %w", err)
		}
		return store, nil, nil
	case "minio":
		store, err := storage.NewMinioStorage(cfg.Storage.ObjectStore, cfg.Storage.StreamURLTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("configure minio storage: %w", err)
		}
		return store, nil, nil
	case "memory":
		base := strings.TrimSpace(cfg.Storage.ObjectStore.Endpoint)
		if base == "" {
			base = fmt.Sprintf("http://127.0.0.1:%d%s", cfg.AppPort, mediaPrefix)
		}
		store := storage.NewMemoryStorage(base)
		return store, store, nil
	default:
		return nil, nil, errors.New("unknown storage provider " + cfg.Storage.Provider)
	}
}
