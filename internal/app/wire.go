package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/privatecharterxdevelopment/monadier-sub000/internal/blob/s3"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/cache/redis"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/crypto"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/entitlement"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/notify"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/signal"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/store/postgres"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/vault"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Redis
	Prices    domain.PriceCache
	Locks     domain.LockManager
	Cooldowns domain.CooldownGuard

	// On-chain
	Vaults *vault.Registry

	// External collaborators
	Signals     domain.SignalProvider
	Entitlement domain.EntitlementChecker

	// Cold storage (nil when no bucket is configured)
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs the concrete dependency implementations from configuration
// and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ledger ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Cooldowns = redis.NewCooldownGuard(redisClient)

	// --- Operator key and vault adapters ---
	key, err := crypto.LoadOperatorKey(cfg.Operator)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: operator key: %w", err)
	}

	deps.Vaults = vault.NewRegistry()
	for _, cc := range cfg.Chains {
		adapter, err := vault.NewForChain(ctx, cc, key, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: vault for chain %d: %w", cc.ID, err)
		}
		deps.Vaults.Register(adapter)
		if c, ok := any(adapter).(interface{ Close() }); ok {
			closers = append(closers, c.Close)
		}
	}

	// --- External collaborators ---
	deps.Signals = signal.New(
		cfg.Signals.BaseURL,
		cfg.Signals.APIKey,
		time.Duration(cfg.Signals.TimeoutSeconds)*time.Second,
		logger,
	)

	if cfg.Entitle.BaseURL != "" {
		deps.Entitlement = entitlement.New(cfg.Entitle.BaseURL, cfg.Entitle.APIKey, logger)
	} else {
		deps.Entitlement = entitlement.AllowAll{}
	}

	// --- S3 cold storage ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Positions, deps.Audit)
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	return deps, cleanup, nil
}
