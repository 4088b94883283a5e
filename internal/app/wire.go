package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/lpkeeper/internal/blob/s3"
	"github.com/alanyoungcy/lpkeeper/internal/cache/memory"
	"github.com/alanyoungcy/lpkeeper/internal/cache/redis"
	"github.com/alanyoungcy/lpkeeper/internal/config"
	"github.com/alanyoungcy/lpkeeper/internal/curve"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/executor"
	"github.com/alanyoungcy/lpkeeper/internal/keeper"
	"github.com/alanyoungcy/lpkeeper/internal/notify"
	"github.com/alanyoungcy/lpkeeper/internal/pipeline"
	"github.com/alanyoungcy/lpkeeper/internal/platform/binance"
	"github.com/alanyoungcy/lpkeeper/internal/platform/openrouter"
	"github.com/alanyoungcy/lpkeeper/internal/service"
	"github.com/alanyoungcy/lpkeeper/internal/store/postgres"
	"github.com/alanyoungcy/lpkeeper/internal/store/sqlite"
)

// Dependencies bundles everything the process modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Repo domain.Repository

	// Caches. Locks and Limiter are nil without Redis.
	PriceCache domain.PriceCache
	Locks      domain.LockManager
	Limiter    domain.RateLimiter
	Bus        domain.SignalBus

	Prices  *service.PriceService
	Signals *service.SignalService // nil when signals are disabled
	Keeper  *keeper.Keeper

	// Daemon extras; nil when disabled.
	Stream   *binance.Stream
	Archiver *pipeline.Archiver

	Notifier *notify.Notifier
}

// memoryBusLimit bounds the in-process event log used without Redis.
const memoryBusLimit = 1000

// Wire constructs every concrete implementation from cfg and returns them
// with a cleanup function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Repository ---
	switch cfg.Store {
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Repo = db.Repository()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Repo = pgClient.Repository()
	}

	// --- Caches: Redis when enabled, in-process otherwise ---
	ttl, stale := cfg.PriceFeed.CacheTTL.Duration, cfg.PriceFeed.StaleAfter.Duration
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, ttl, stale)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
	} else {
		deps.PriceCache = memory.NewPriceCache(ttl, stale)
		deps.Bus = memory.NewSignalBus(memoryBusLimit)
	}

	// --- Price feed ---
	feed := binance.NewClient(cfg.PriceFeed.BaseURL, cfg.PriceFeed.RatePerSec, logger)
	deps.Prices = service.NewPriceService(deps.PriceCache, feed, deps.Repo.Prices, deps.Bus, logger)
	if cfg.PriceFeed.StreamEnabled {
		deps.Stream = binance.NewStream(cfg.PriceFeed.WsURL, logger)
	}

	// --- Advisory signals ---
	if cfg.Signals.Enabled {
		advisor := openrouter.NewClient(openrouter.Config{
			BaseURL:       cfg.Signals.BaseURL,
			APIKey:        cfg.Signals.APIKey,
			PrimaryModel:  cfg.Signals.PrimaryModel,
			FallbackModel: cfg.Signals.FallbackModel,
			RatePerSec:    cfg.Signals.RatePerSec,
		}, logger)
		deps.Signals = service.NewSignalService(advisor, deps.Repo.Prices, deps.Repo.Signals, deps.Limiter, deps.Bus,
			service.SignalConfig{
				ConfidenceFloor: cfg.Signals.ConfidenceFloor,
				MinHistory:      cfg.Signals.MinHistory,
				HistoryLimit:    cfg.Signals.HistoryLimit,
				Concurrency:     cfg.Keeper.SignalConcurrency,
				Timeout:         cfg.Keeper.SignalTimeout.Duration,
				PoolCooldown:    cfg.Signals.PoolCooldown.Duration,
			}, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.RepeatAfter.Duration, logger)

	// --- Keeper ---
	k, err := buildKeeper(cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	deps.Keeper = k

	// --- S3 archival ---
	if cfg.Archive.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		blobArchiver := s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Repo.Jobs,
			deps.Repo.Rebalances,
			deps.Repo.Audit,
		)
		deps.Archiver = pipeline.NewArchiver(blobArchiver, cfg.Archive.RetentionDays, logger)
	}

	return deps, cleanup, nil
}

// buildKeeper assembles the curve engine, executor registry, monitor,
// scheduler and keeper.
func buildKeeper(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*keeper.Keeper, error) {
	engine, err := curve.NewEngine(curve.Config{
		TotalBins:           cfg.Curve.TotalBins,
		ConcentrationFactor: cfg.Curve.ConcentrationFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: curve: %w", err)
	}

	rebalancer := executor.NewRebalanceExecutor(deps.Repo, engine, executor.NewDryRunAdapter(logger), logger)
	rebalancer.SetDefaults(cfg.Curve.DefaultRangeMultiplier, cfg.Curve.MCUBiasFactor)
	if deps.Signals != nil {
		rebalancer.SetSignals(deps.Signals, cfg.Signals.ConfidenceFloor)
	}
	registry := executor.NewRegistry()
	registry.Register(domain.JobTypeRebalance, rebalancer)

	queue := keeper.NewQueue(deps.Repo.Jobs, cfg.Keeper.MaxRetries, logger)
	monitor := keeper.NewMonitor(deps.Repo, engine, queue,
		cfg.Keeper.MonitorConcurrency, cfg.Keeper.PriceTimeout.Duration, logger)
	scheduler := keeper.NewScheduler(deps.Repo.Jobs, registry, deps.Bus, keeper.SchedulerConfig{
		BatchSize:    cfg.Keeper.BatchSize,
		Concurrency:  cfg.Keeper.ExecuteConcurrency,
		JobTimeout:   cfg.Keeper.JobTimeout.Duration,
		StuckAfter:   cfg.Keeper.StuckJobAfter.Duration,
		AutoResubmit: cfg.Keeper.AutoResubmit,
	}, logger)

	kdeps := keeper.Deps{
		Repo:      deps.Repo,
		Monitor:   monitor,
		Scheduler: scheduler,
		Prices:    deps.Prices,
		Locks:     deps.Locks,
		Bus:       deps.Bus,
	}
	// Interface fields stay nil rather than holding typed nil pointers.
	if deps.Signals != nil {
		kdeps.Signals = deps.Signals
	}
	if deps.Notifier.Enabled() {
		kdeps.Notifier = deps.Notifier
	}

	return keeper.New(kdeps, keeper.Config{
		RefreshPrices:    cfg.Keeper.RefreshPrices,
		PriceConcurrency: cfg.Keeper.MonitorConcurrency,
		PriceTimeout:     cfg.Keeper.PriceTimeout.Duration,
		LockTTL:          cfg.Keeper.LockTTL.Duration,
	}, logger), nil
}
