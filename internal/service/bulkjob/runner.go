// Package bulkjob выполняет пакетные задания над упорядоченным списком элементов
// с сохранением промежуточного прогресса после каждого элемента.
package bulkjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// Runner последовательно обрабатывает элементы задания. Старт, каждый checkpoint
// и финализация фиксируются отдельными единицами работы.
type Runner struct {
	store       domain.ProgressStore
	processor   domain.ItemProcessor
	checkpoints *CheckpointWriter

	logger          *log.Entry
	metrics         Recorder
	events          domain.JobEventPublisher
	maxItemFailures int
	persistTimeout  time.Duration
	now             func() time.Time
	newRunID        func() string

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRunner создаёт runner для processor поверх store.
func NewRunner(store domain.ProgressStore, processor domain.ItemProcessor, options ...Option) *Runner {
	opts := RunnerOptions{
		PersistTimeout: defaultPersistTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "bulkjob-runner")
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = noopRecorder{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.MaxItemFailures < 0 {
		opts.MaxItemFailures = 0
	}

	checkpoints := NewCheckpointWriter(store)
	checkpoints.now = clock

	return &Runner{
		store:           store,
		processor:       processor,
		checkpoints:     checkpoints,
		logger:          logger,
		metrics:         recorder,
		events:          opts.Events,
		maxItemFailures: opts.MaxItemFailures,
		persistTimeout:  opts.PersistTimeout,
		now:             clock,
		newRunID:        func() string { return uuid.NewString() },
		inFlight:        make(map[string]struct{}),
	}
}

// Run выполняет задание синхронно. Сбои отдельных элементов не возвращаются
// вызывающему: они учитываются в JobSummary.Failed. Ошибку получают только
// невалидный запрос, параллельный запуск того же jobID и сбой записи старта
// или финализации.
func (r *Runner) Run(ctx context.Context, jobID string, items []domain.ItemRef) (domain.JobSummary, error) {
	if err := validate(jobID, items); err != nil {
		return domain.JobSummary{JobID: jobID}, err
	}
	if !r.acquire(jobID) {
		return domain.JobSummary{JobID: jobID}, fmt.Errorf("%w: %s", domain.ErrJobInFlight, jobID)
	}
	defer r.release(jobID)

	progress, err := r.start(ctx, jobID, len(items))
	if err != nil {
		return domain.JobSummary{JobID: jobID, Total: len(items)}, err
	}
	return r.execute(ctx, progress, items)
}

// RunAsync проверяет запрос и фиксирует старт синхронно, а элементы
// обрабатывает в фоне. Возвращает снимок записи сразу после старта.
func (r *Runner) RunAsync(ctx context.Context, jobID string, items []domain.ItemRef) (domain.JobProgress, error) {
	if err := validate(jobID, items); err != nil {
		return domain.JobProgress{}, err
	}
	if !r.acquire(jobID) {
		return domain.JobProgress{}, fmt.Errorf("%w: %s", domain.ErrJobInFlight, jobID)
	}

	progress, err := r.start(ctx, jobID, len(items))
	if err != nil {
		r.release(jobID)
		return domain.JobProgress{}, err
	}

	owned := append([]domain.ItemRef(nil), items...)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(jobID)

		if _, err := r.execute(ctx, progress, owned); err != nil {
			r.logger.WithError(err).WithField("job_id", jobID).Error("фоновый запуск задания завершился с ошибкой")
		}
	}()

	return progress, nil
}

// Wait блокируется до завершения всех фоновых запусков.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// InFlight сообщает, выполняется ли задание в этом процессе.
func (r *Runner) InFlight(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[jobID]
	return ok
}

func validate(jobID string, items []domain.ItemRef) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	return domain.ValidateItems(items)
}

func (r *Runner) acquire(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inFlight[jobID]; busy {
		return false
	}
	r.inFlight[jobID] = struct{}{}
	return true
}

func (r *Runner) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, jobID)
}

// start переводит запись в running отдельной единицей работы.
func (r *Runner) start(ctx context.Context, jobID string, total int) (domain.JobProgress, error) {
	persistCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()

	session, err := r.store.Begin(persistCtx)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("begin start", jobID, err)
	}
	defer func() { _ = session.Rollback() }()

	progress, err := session.GetOrCreate(persistCtx, jobID)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("load progress", jobID, err)
	}
	now := r.now()
	// running без активного запуска в процессе остался от прерванного процесса
	if progress.Status == domain.JobStatusRunning {
		r.logger.WithFields(log.Fields{
			"job_id": jobID,
			"run_id": progress.RunID,
		}).Warn("найден незавершённый запуск, он будет заменён новым")
		if err := progress.Cancel("superseded by a new run", now); err != nil {
			return domain.JobProgress{}, err
		}
	}
	if err := progress.Start(r.newRunID(), total, now); err != nil {
		return domain.JobProgress{}, err
	}
	if err := session.Save(persistCtx, progress); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("save start", jobID, err)
	}
	if err := session.Commit(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("commit start", jobID, err)
	}
	return progress, nil
}

func (r *Runner) execute(ctx context.Context, progress domain.JobProgress, items []domain.ItemRef) (domain.JobSummary, error) {
	jobID := progress.JobID
	total := len(items)
	logger := r.logger.WithFields(log.Fields{
		"job_id":  jobID,
		"run_id":  progress.RunID,
		"attempt": progress.Attempt,
	})

	r.metrics.RunStarted()
	r.publish(ctx, domain.EventJobStarted, progress)
	logger.WithField("total", total).Info("запуск задания")

	summary := domain.JobSummary{
		JobID:     jobID,
		RunID:     progress.RunID,
		Total:     total,
		StartedAt: progress.StartedAt,
	}

	outcome := domain.JobStatusCompleted
	reason := ""
	succeeded := make([]domain.ItemRef, 0, total)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			outcome = domain.JobStatusCanceled
			reason = fmt.Sprintf("canceled after %d of %d items: %v", summary.Processed, total, err)
			logger.WithField("processed", summary.Processed).Warn("задание отменено между элементами")
			break
		}

		if err := r.processItem(ctx, item); err != nil {
			summary.Failed++
			r.metrics.ItemProcessed(ItemResultFailed)
			logger.WithError(err).WithField("item", item).Warn("элемент не обработан, продолжаем")
		} else {
			succeeded = append(succeeded, item)
			r.metrics.ItemProcessed(ItemResultSucceeded)
		}
		summary.Processed = i + 1

		r.checkpoint(ctx, logger, &summary)

		if r.maxItemFailures > 0 && summary.Failed > r.maxItemFailures {
			outcome = domain.JobStatusFailed
			reason = fmt.Sprintf("item failures %d exceeded limit %d", summary.Failed, r.maxItemFailures)
			logger.WithField("failed", summary.Failed).Error("превышен лимит сбоев, задание прерывается")
			break
		}
	}

	if outcome == domain.JobStatusFailed {
		// компенсация идёт без дедлайна persistTimeout
		compensated, err := r.compensate(context.WithoutCancel(ctx), logger, succeeded)
		summary.Compensated = compensated
		if err != nil {
			reason = fmt.Sprintf("%s; compensation: %v", reason, err)
		}
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	final, err := r.finish(finalCtx, jobID, outcome, reason, summary)
	if err != nil {
		// терминальный статус не записан: в хранилище остаётся running
		summary.Status = domain.JobStatusRunning
		summary.CompletedAt = r.now()
		summary.Elapsed = summary.CompletedAt.Sub(summary.StartedAt)
		r.metrics.RunFinished(outcome, summary.Elapsed)
		logger.WithError(err).Error("не удалось зафиксировать завершение задания")
		return summary, err
	}

	summary.Status = outcome
	summary.CompletedAt = final.CompletedAt
	summary.Elapsed = summary.CompletedAt.Sub(summary.StartedAt)
	r.metrics.RunFinished(outcome, summary.Elapsed)

	r.publish(finalCtx, domain.TerminalEventType(outcome), final)
	logger.WithFields(log.Fields{
		"status":            outcome,
		"processed":         summary.Processed,
		"failed":            summary.Failed,
		"compensated":       summary.Compensated,
		"checkpoint_errors": summary.CheckpointErrors,
		"elapsed":           summary.Elapsed,
	}).Info("задание завершено")

	return summary, nil
}

// processItem вызывает processor и превращает panic в ошибку элемента.
func (r *Runner) processItem(ctx context.Context, item domain.ItemRef) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewItemProcessingError(item, fmt.Errorf("panic: %v", rec))
		}
	}()
	return domain.NewItemProcessingError(item, r.processor.Process(ctx, item))
}

// checkpoint пишет прогресс без учёта отмены запуска: уже обработанный элемент
// должен попасть в запись. Сбой записи не прерывает задание.
func (r *Runner) checkpoint(ctx context.Context, logger *log.Entry, summary *domain.JobSummary) {
	cpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	progress, err := r.checkpoints.CommitRun(cpCtx, summary.JobID, summary.RunID, summary.Processed, summary.Failed, summary.Total)
	if err != nil {
		summary.CheckpointErrors++
		r.metrics.CheckpointFailed()
		logger.WithError(err).WithField("processed", summary.Processed).Warn("checkpoint не записан, следующий догонит")
		return
	}
	r.publish(cpCtx, domain.EventJobCheckpoint, progress)
}

// compensate откатывает успешные элементы в обратном порядке.
func (r *Runner) compensate(ctx context.Context, logger *log.Entry, succeeded []domain.ItemRef) (int, error) {
	if len(succeeded) == 0 {
		return 0, nil
	}
	compensator, ok := r.processor.(domain.ItemCompensator)
	if !ok {
		logger.Warn("processor не поддерживает компенсацию, успешные элементы не откатываются")
		return 0, domain.ErrCompensationUnsupported
	}

	var result *multierror.Error
	compensated := 0
	for i := len(succeeded) - 1; i >= 0; i-- {
		item := succeeded[i]
		if err := compensator.Compensate(ctx, item); err != nil {
			result = multierror.Append(result, fmt.Errorf("compensate %s: %w", item, err))
			logger.WithError(err).WithField("item", item).Error("компенсация элемента не удалась")
			continue
		}
		compensated++
		r.metrics.ItemProcessed(ItemResultCompensated)
	}
	return compensated, result.ErrorOrNil()
}

// finish фиксирует терминальный статус отдельной единицей работы. Последний
// известный прогресс применяется заново на случай, если checkpoint не записался.
func (r *Runner) finish(ctx context.Context, jobID string, outcome domain.JobStatus, reason string, summary domain.JobSummary) (domain.JobProgress, error) {
	session, err := r.store.Begin(ctx)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("begin finalize", jobID, err)
	}
	defer func() { _ = session.Rollback() }()

	progress, err := session.GetOrCreate(ctx, jobID)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("load progress", jobID, err)
	}
	if progress.RunID != summary.RunID {
		return domain.JobProgress{}, fmt.Errorf("%w: job %s was restarted by run %s", domain.ErrInvalidTransition, jobID, progress.RunID)
	}

	now := r.now()
	if _, err := progress.ApplyCheckpoint(summary.Processed, summary.Failed, summary.Total, now); err != nil {
		return domain.JobProgress{}, err
	}

	switch outcome {
	case domain.JobStatusFailed:
		err = progress.Fail(reason, now)
	case domain.JobStatusCanceled:
		err = progress.Cancel(reason, now)
	default:
		err = progress.Complete(now)
	}
	if err != nil {
		return domain.JobProgress{}, err
	}

	if err := session.Save(ctx, progress); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("save finalize", jobID, err)
	}
	if err := session.Commit(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("commit finalize", jobID, err)
	}
	return progress, nil
}

func (r *Runner) publish(ctx context.Context, eventType string, progress domain.JobProgress) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishJobEvent(ctx, eventType, progress); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WithError(err).WithFields(log.Fields{
			"job_id":     progress.JobID,
			"event_type": eventType,
		}).Warn("не удалось опубликовать событие задания")
	}
}
