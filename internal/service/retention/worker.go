// Package retention удаляет устаревшие записи прогресса завершённых заданий.
package retention

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultTTL       = 7 * 24 * time.Hour
	defaultBatchSize = 500
)

// Recorder принимает метрики retention.
type Recorder interface {
	RetentionDeleted(n int)
	RetentionFailed()
}

type noopRecorder struct{}

func (noopRecorder) RetentionDeleted(int) {}
func (noopRecorder) RetentionFailed()     {}

// Options задает параметры воркера retention.
type Options struct {
	Logger    *log.Entry
	Metrics   Recorder
	Interval  time.Duration
	TTL       time.Duration
	BatchSize int
	Clock     func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задает приёмник метрик.
func WithMetrics(recorder Recorder) Option {
	return func(opts *Options) {
		opts.Metrics = recorder
	}
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithTTL задает, сколько хранится завершённая запись после последнего обновления.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Worker периодически удаляет завершённые записи прогресса старше TTL.
// Записи в pending и running не удаляются никогда.
type Worker struct {
	store     domain.ProgressStore
	logger    *log.Entry
	metrics   Recorder
	interval  time.Duration
	ttl       time.Duration
	batchSize int
	now       func() time.Time
}

// NewWorker создает воркер retention поверх store.
func NewWorker(store domain.ProgressStore, options ...Option) *Worker {
	opts := Options{
		Interval:  defaultInterval,
		TTL:       defaultTTL,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "retention-worker")
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = noopRecorder{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Worker{
		store:     store,
		logger:    logger,
		metrics:   recorder,
		interval:  opts.Interval,
		ttl:       opts.TTL,
		batchSize: opts.BatchSize,
		now:       clock,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("retention worker is disabled: store is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	deleted, err := w.DeleteFinished(ctx, w.now().Add(-w.ttl))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RetentionFailed()
		w.logger.WithError(err).Warn("retention run failed")
		return
	}

	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("устаревшие записи прогресса удалены")
	}
}

// DeleteFinished удаляет все завершённые записи с UpdatedAt <= before порциями batchSize.
func (w *Worker) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().Add(-w.ttl)
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.store.DeleteFinished(ctx, before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		w.metrics.RetentionDeleted(deleted)

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
