package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/catalog"
	"github.com/vladislavdragonenkov/purchasing/internal/domain"
	"github.com/vladislavdragonenkov/purchasing/internal/health"
	"github.com/vladislavdragonenkov/purchasing/internal/pricing"
	"github.com/vladislavdragonenkov/purchasing/internal/processor"
	"github.com/vladislavdragonenkov/purchasing/internal/processor/cardnetwork"
	"github.com/vladislavdragonenkov/purchasing/internal/processor/platform"
	"github.com/vladislavdragonenkov/purchasing/internal/storage/memory"
	"github.com/vladislavdragonenkov/purchasing/internal/storage/postgres"
	"github.com/vladislavdragonenkov/purchasing/internal/storage/redisidx"
)

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Attempts    domain.AttemptRepository
	Tasks       domain.ChargeTaskRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
	Catalog     domain.Catalog
	Pricer      domain.Pricer
	Processors  *processor.Registry
	Guard       domain.PendingGuard
	Logger      *log.Entry

	pgStore     *postgres.Store
	redisClient *redis.Client
}

// NewDependencies создаёт зависимости приложения. PostgresDSN пустой —
// поднимается in-memory хранилище; RedisAddr пустой — pending guard отключён.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		Logger:  logger,
		Catalog: defaultCatalog(),
	}
	deps.Pricer = pricing.NewStandardPricer(deps.Catalog, defaultCoupons())

	registry, err := processor.NewRegistry(
		cardnetwork.New(logger.WithField("processor", cardnetwork.ProcessorName)),
		platform.New(logger.WithField("processor", platform.ProcessorName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build processor registry: %w", err)
	}
	deps.Processors = registry

	if cfg.PostgresDSN != "" {
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}

		deps.pgStore = store
		deps.Attempts = postgres.NewAttemptRepository(store)
		deps.Tasks = postgres.NewChargeTaskRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		logger.Info("using postgres storage")
	} else {
		attemptStore := memory.NewAttemptStore()
		deps.Attempts = attemptStore
		deps.Tasks = attemptStore
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		logger.Warn("using in-memory storage, data will be lost on restart")
	}

	if cfg.RedisAddr != "" {
		client, err := redisidx.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.WithError(err).Warn("failed to connect to redis, pending guard disabled")
		} else {
			deps.redisClient = client
			deps.Guard = redisidx.NewPendingGuard(client)
			logger.WithField("addr", cfg.RedisAddr).Info("redis pending guard initialized")
		}
	}

	return deps, nil
}

// RegisterHealthChecks подключает ping-проверки внешних хранилищ.
// In-memory хранилище проверок не требует.
func (d *Dependencies) RegisterHealthChecks(h *health.Handler) {
	if d.pgStore != nil {
		h.RegisterChecker("postgres", health.NewPingChecker("postgres", 0, d.pgStore.Ping))
	}
	if d.redisClient != nil {
		client := d.redisClient
		h.RegisterChecker("redis", health.NewPingChecker("redis", 0, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
}

// Close освобождает внешние подключения.
func (d *Dependencies) Close() {
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.pgStore != nil {
		if err := d.pgStore.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}

// defaultCatalog отдаёт стартовый каталог purchasable.
// TODO: загружать каталог из таблицы purchasables вместо статического списка.
func defaultCatalog() domain.Catalog {
	return catalog.NewWithItems(
		domain.Purchasable{
			ID:          "course-go",
			Title:       "Go Course",
			AmountMinor: 990000,
			Currency:    "RUB",
			Public:      true,
			Provider:    cardnetwork.ProcessorName,
			Giftable:    true,
		},
		domain.Purchasable{
			ID:          "course-sql",
			Title:       "SQL Course",
			AmountMinor: 790000,
			Currency:    "RUB",
			Public:      true,
			Provider:    cardnetwork.ProcessorName,
			Giftable:    true,
		},
		domain.Purchasable{
			ID:          "course-architecture",
			Title:       "Architecture Course",
			AmountMinor: 1490000,
			Currency:    "RUB",
			Public:      true,
			Provider:    platform.ProcessorName,
		},
		domain.Purchasable{
			ID:           "bundle-any-course",
			Title:        "Any Course Gift Bundle",
			AmountMinor:  990000,
			Currency:     "RUB",
			Public:       true,
			Provider:     cardnetwork.ProcessorName,
			ChoiceBundle: true,
			BundleItems:  []string{"course-go", "course-sql", "course-architecture"},
			Giftable:     true,
		},
	)
}

func defaultCoupons() *pricing.CouponTable {
	return pricing.NewCouponTable(
		domain.Coupon{Code: "WELCOME10", PercentOff: 10},
		domain.Coupon{Code: "TEAM25", PercentOff: 25},
	)
}
