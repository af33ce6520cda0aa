package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/condamm/internal/arbmath"
	s3blob "github.com/alanyoungcy/condamm/internal/blob/s3"
	"github.com/alanyoungcy/condamm/internal/cache/redis"
	"github.com/alanyoungcy/condamm/internal/config"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/server/handler"
	"github.com/alanyoungcy/condamm/internal/service"
	"github.com/alanyoungcy/condamm/internal/store/memory"
	"github.com/alanyoungcy/condamm/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Cache, Locks, Limiter and Archiver may be nil.
type Dependencies struct {
	// Stores
	MarketStore       domain.MarketStore
	ArbExecutionStore domain.ArbExecutionStore
	AuditStore        domain.AuditStore
	Ledgers           service.LedgerProvider

	// Caches
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	Clock  escrow.Clock
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if !cfg.NeedsInfrastructure() {
		return wireMemory(), func() {}, nil
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	deps := &Dependencies{
		Clock:  &escrow.SystemClock{},
		Checks: make(map[string]handler.Check),
	}

	// --- PostgreSQL ---
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
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.ArbExecutionStore = postgres.NewArbExecutionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Ledgers = postgres.NewLedgers(pool)
	deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

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

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, cfg.Redis.LockWait.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("s3", deps.Archiver != nil),
	)
	return deps, cleanup, nil
}

// simStartMs is the simulated clock's first reading.
const simStartMs = 1_000

// wireMemory builds the in-process dependencies used by simulate mode.
func wireMemory() *Dependencies {
	return &Dependencies{
		MarketStore:       memory.NewMarketStore(),
		ArbExecutionStore: memory.NewArbExecutionStore(),
		AuditStore:        memory.NewAuditStore(),
		Ledgers:           memory.NewLedgers(),
		SignalBus:         memory.NewBus(),
		Clock:             escrow.NewManualClock(simStartMs),
	}
}

// Services is the service layer built over a set of Dependencies.
type Services struct {
	Markets *service.MarketService
	Arb     *service.ArbService
}

// NewServices constructs the market and arbitrage services.
func NewServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Services {
	markets := service.NewMarketService(
		deps.MarketStore,
		deps.MarketCache,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		deps.Ledgers,
		deps.Clock,
		service.MarketServiceConfig{Pool: cfg.Pool, LockTTL: cfg.Arbitrage.LockTTL.Duration},
		logger,
	)
	arb := service.NewArbService(
		markets,
		deps.ArbExecutionStore,
		deps.AuditStore,
		deps.SignalBus,
		deps.Archiver,
		service.ArbConfig{
			MinProfit: cfg.Arbitrage.MinProfit,
			SizeHint:  cfg.Arbitrage.SizeHint,
			Bid: arbmath.BidParams{
				NAVPrice:    cfg.Arbitrage.BidNAVPrice,
				MaxCapacity: cfg.Arbitrage.BidCapacity,
				FeeBps:      cfg.Arbitrage.BidFeeBps,
			},
		},
		logger,
	)
	return &Services{Markets: markets, Arb: arb}
}
