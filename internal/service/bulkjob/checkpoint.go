package bulkjob

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// CheckpointWriter фиксирует прогресс задания. Каждый вызов Commit открывает
// собственную сессию хранилища и никогда не разделяет её с запуском задания.
type CheckpointWriter struct {
	store domain.ProgressStore
	now   func() time.Time
}

// NewCheckpointWriter создаёт writer поверх хранилища прогресса.
func NewCheckpointWriter(store domain.ProgressStore) *CheckpointWriter {
	return &CheckpointWriter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Commit записывает абсолютный прогресс processed/failed из total и фиксирует
// его отдельной единицей работы. Устаревший checkpoint ничего не пишет и
// возвращает текущее состояние записи.
func (w *CheckpointWriter) Commit(ctx context.Context, jobID string, processed, failed, total int) (domain.JobProgress, error) {
	return w.CommitRun(ctx, jobID, "", processed, failed, total)
}

// CommitRun работает как Commit, но пишет только в запись запуска runID.
// Checkpoint вытесненного запуска отклоняется с ErrInvalidTransition.
// Пустой runID отключает проверку.
func (w *CheckpointWriter) CommitRun(ctx context.Context, jobID, runID string, processed, failed, total int) (domain.JobProgress, error) {
	session, err := w.store.Begin(ctx)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("begin checkpoint", jobID, err)
	}
	defer func() { _ = session.Rollback() }()

	progress, err := session.GetOrCreate(ctx, jobID)
	if err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("load checkpoint", jobID, err)
	}
	if runID != "" && progress.RunID != runID {
		return progress, fmt.Errorf("%w: checkpoint of run %s, job %s belongs to run %s",
			domain.ErrInvalidTransition, runID, jobID, progress.RunID)
	}

	applied, err := progress.ApplyCheckpoint(processed, failed, total, w.now())
	if err != nil {
		return progress, err
	}
	if !applied {
		return progress, nil
	}

	if err := session.Save(ctx, progress); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("save checkpoint", jobID, err)
	}
	if err := session.Commit(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("commit checkpoint", jobID, err)
	}
	return progress, nil
}
