package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/health"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/service/bulkjob"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/service/shipping"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/kv"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/memory"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/postgres"
)

// Runtime содержит хранилища и внешние клиенты, выбранные конфигурацией.
type Runtime struct {
	Progress domain.ProgressStore
	Orders   domain.OrderRepository
	Events   domain.JobEventPublisher

	checkers map[string]health.Checker
	closers  []func() error
	logger   *log.Entry
}

// OpenRuntime открывает хранилище по cfg.StorageDriver и publisher событий.
func OpenRuntime(ctx context.Context, cfg Config, logger *log.Entry) (*Runtime, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		checkers: make(map[string]health.Checker),
		logger:   logger,
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		rt.Progress = memory.NewProgressStore()
		rt.Orders = memory.NewOrderRepository()
		rt.checkers["storage"] = health.NewStaticChecker("storage", health.StatusHealthy, "in-memory")
		logger.Warn("используется in-memory хранилище, прогресс не переживёт рестарт")

	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				rt.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		rt.Progress = postgres.NewProgressStore(store)
		rt.Orders = postgres.NewOrderRepository(store)
		rt.checkers["storage"] = health.NewPingChecker("storage", store.Ping)
		logger.Info("postgres storage initialized")

	case StorageDriverBadger:
		store, err := kv.Open(cfg.BadgerDir, logger.WithField("component", "badger"))
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		rt.Progress = kv.NewProgressStore(store)
		// badger хранит только прогресс, заказы остаются в памяти
		rt.Orders = memory.NewOrderRepository()
		rt.checkers["storage"] = health.NewPingChecker("storage", func(context.Context) error {
			return store.Ping()
		})
		logger.WithField("dir", cfg.BadgerDir).Info("badger storage initialized")
	}

	events, closeEvents, err := initEventPublisher(cfg, logger)
	if err != nil {
		rt.checkers["kafka"] = health.NewStaticChecker("kafka", health.StatusDegraded, err.Error())
	} else if len(cfg.KafkaBrokers) == 0 {
		rt.checkers["kafka"] = health.NewStaticChecker("kafka", health.StatusHealthy, "disabled")
	} else {
		rt.checkers["kafka"] = health.NewStaticChecker("kafka", health.StatusHealthy, "")
	}
	rt.Events = events
	if closeEvents != nil {
		rt.closers = append(rt.closers, closeEvents)
	}

	return rt, nil
}

// NewShipRunner собирает runner отгрузки заказов с retry и политикой сбоев из cfg.
func (rt *Runtime) NewShipRunner(cfg Config, metrics bulkjob.Recorder) *bulkjob.Runner {
	retry := bulkjob.DefaultRetryConfig()
	retry.MaxAttempts = cfg.ItemRetries

	shipper := shipping.NewOrderShipper(rt.Orders, rt.logger.WithField("component", "order-shipper"))
	processor := bulkjob.NewRetryingProcessor(shipper, retry, rt.logger.WithField("component", "retrying-processor"))

	options := []bulkjob.Option{
		bulkjob.WithLogger(rt.logger.WithField("component", "bulkjob-runner")),
		bulkjob.WithEventPublisher(rt.Events),
		bulkjob.WithMaxItemFailures(cfg.MaxItemFailures),
	}
	if metrics != nil {
		options = append(options, bulkjob.WithMetrics(metrics))
	}
	return bulkjob.NewRunner(rt.Progress, processor, options...)
}

// RegisterHealth регистрирует проверки хранилища и Kafka.
func (rt *Runtime) RegisterHealth(handler *health.Handler) {
	for name, checker := range rt.checkers {
		handler.RegisterChecker(name, checker)
	}
}

// Close освобождает ресурсы в обратном порядке открытия.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.WithError(err).Warn("failed to close runtime dependency")
		}
	}
	rt.closers = nil
}
