package domain

import (
	"context"
	"time"
)

// ProgressStore: долговременное хранилище записей прогресса заданий.
// Каждый метод вне сессии выполняется как отдельная единица работы.
type ProgressStore interface {
	// GetOrCreate атомарно возвращает существующую запись или создаёт pending-запись.
	GetOrCreate(ctx context.Context, jobID string) (JobProgress, error)
	// Save сохраняет изменяемые поля существующей записи. Повторов не делает.
	Save(ctx context.Context, progress JobProgress) error
	// Find возвращает запись или ErrJobNotFound.
	Find(ctx context.Context, jobID string) (JobProgress, error)
	// List возвращает записи, упорядоченные по UpdatedAt (сначала новые).
	List(ctx context.Context, filter ProgressFilter) ([]JobProgress, error)
	// DeleteFinished удаляет завершённые записи с UpdatedAt <= before.
	DeleteFinished(ctx context.Context, before time.Time, limit int) (int, error)
	// Begin открывает явную единицу работы.
	Begin(ctx context.Context) (ProgressSession, error)
}

// ProgressSession: единица работы над записями прогресса. Записи видны
// другим читателям только после Commit и отбрасываются при Rollback.
type ProgressSession interface {
	GetOrCreate(ctx context.Context, jobID string) (JobProgress, error)
	Save(ctx context.Context, progress JobProgress) error
	Commit() error
	// Rollback после Commit ничего не делает, поэтому его можно откладывать через defer.
	Rollback() error
}

// ItemProcessor: внешняя операция над одним элементом пакета.
type ItemProcessor interface {
	Process(ctx context.Context, item ItemRef) error
}

// ItemCompensator откатывает побочные эффекты успешно обработанного элемента.
type ItemCompensator interface {
	Compensate(ctx context.Context, item ItemRef) error
}

// ItemProcessorFunc адаптирует функцию к ItemProcessor.
type ItemProcessorFunc func(ctx context.Context, item ItemRef) error

func (f ItemProcessorFunc) Process(ctx context.Context, item ItemRef) error {
	return f(ctx, item)
}

// JobEventPublisher публикует события жизненного цикла задания наружу.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, eventType string, progress JobProgress) error
}

// Типы событий жизненного цикла задания.
const (
	EventJobStarted    = "job.started"
	EventJobCheckpoint = "job.checkpoint"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobCanceled   = "job.canceled"
)

// TerminalEventType возвращает тип события для завершённого статуса.
func TerminalEventType(status JobStatus) string {
	switch status {
	case JobStatusFailed:
		return EventJobFailed
	case JobStatusCanceled:
		return EventJobCanceled
	default:
		return EventJobCompleted
	}
}
