package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxJobIDLength ограничивает длину caller-assigned идентификатора задания.
const MaxJobIDLength = 128

// JobStatus описывает жизненный цикл пакетного задания.
type JobStatus string

const (
	// JobStatusPending: запись создана, запуск ещё не начат.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning: задание обрабатывает элементы.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted: цикл по элементам исчерпан (независимо от сбоев элементов).
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed: запуск прерван политикой сбоев, успешные элементы компенсированы.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled: запуск остановлен сигналом отмены между элементами.
	JobStatusCanceled JobStatus = "canceled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, завершён ли запуск.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// ItemRef: непрозрачная ссылка на элемент пакета (например, ID заказа).
type ItemRef string

func (r ItemRef) String() string { return string(r) }

// JobProgress: персистентная запись прогресса, одна на jobID.
type JobProgress struct {
	JobID          string
	RunID          string
	Status         JobStatus
	Attempt        int
	ProcessedCount int
	FailedCount    int
	TotalCount     int
	LastError      string
	CreatedAt      time.Time
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// NewJobProgress возвращает запись в статусе pending с нулевыми счётчиками.
func NewJobProgress(jobID string, now time.Time) JobProgress {
	return JobProgress{
		JobID:     jobID,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start переводит запись в running для нового запуска. Повторный запуск
// завершённого задания сбрасывает счётчики: это новый запуск, а не продолжение.
func (p *JobProgress) Start(runID string, total int, now time.Time) error {
	if total < 0 {
		return fmt.Errorf("%w: total %d", ErrProgressOutOfRange, total)
	}
	if p.Status == JobStatusRunning {
		return fmt.Errorf("%w: job %s is already running", ErrInvalidTransition, p.JobID)
	}
	p.RunID = runID
	p.Status = JobStatusRunning
	p.Attempt++
	p.ProcessedCount = 0
	p.FailedCount = 0
	p.TotalCount = total
	p.LastError = ""
	p.StartedAt = now
	p.UpdatedAt = now
	p.CompletedAt = time.Time{}
	return nil
}

// ApplyCheckpoint фиксирует абсолютный прогресс. Устаревший checkpoint
// (processed меньше сохранённого) игнорируется, возвращается false.
func (p *JobProgress) ApplyCheckpoint(processed, failed, total int, now time.Time) (bool, error) {
	if processed < 0 || failed < 0 || failed > processed {
		return false, fmt.Errorf("%w: processed=%d failed=%d", ErrProgressOutOfRange, processed, failed)
	}
	// Завершённый запуск checkpoint-ами не меняется.
	if p.Status.Terminal() {
		return false, nil
	}
	if p.TotalCount == 0 && total > 0 && p.Status != JobStatusRunning {
		p.TotalCount = total
	}
	if processed > p.TotalCount {
		return false, fmt.Errorf("%w: processed=%d total=%d", ErrProgressOutOfRange, processed, p.TotalCount)
	}
	if processed < p.ProcessedCount {
		return false, nil
	}
	p.ProcessedCount = processed
	if failed > p.FailedCount {
		p.FailedCount = failed
	}
	p.UpdatedAt = now
	return true, nil
}

// Complete завершает запуск после исчерпания цикла.
func (p *JobProgress) Complete(now time.Time) error {
	return p.finish(JobStatusCompleted, "", now)
}

// Fail завершает запуск, прерванный политикой сбоев.
func (p *JobProgress) Fail(reason string, now time.Time) error {
	return p.finish(JobStatusFailed, reason, now)
}

// Cancel завершает запуск, остановленный сигналом отмены.
func (p *JobProgress) Cancel(reason string, now time.Time) error {
	return p.finish(JobStatusCanceled, reason, now)
}

func (p *JobProgress) finish(status JobStatus, reason string, now time.Time) error {
	if p.Status != JobStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	p.LastError = reason
	p.UpdatedAt = now
	p.CompletedAt = now
	return nil
}

// ValidateJobID проверяет caller-assigned идентификатор задания.
func ValidateJobID(jobID string) error {
	if jobID == "" {
		return NewValidationError("job_id", "must not be empty")
	}
	if len(jobID) > MaxJobIDLength {
		return NewValidationError("job_id", fmt.Sprintf("must be at most %d characters", MaxJobIDLength))
	}
	if strings.IndexFunc(jobID, unicode.IsSpace) >= 0 {
		return NewValidationError("job_id", "must not contain whitespace")
	}
	return nil
}

// ValidateItems проверяет список элементов. Пустой список допустим.
func ValidateItems(items []ItemRef) error {
	for i, item := range items {
		if strings.TrimSpace(string(item)) == "" {
			return NewValidationError("items", fmt.Sprintf("item #%d is empty", i))
		}
	}
	return nil
}

// JobSummary: итог одного запуска.
type JobSummary struct {
	JobID            string
	RunID            string
	Status           JobStatus
	Processed        int
	Total            int
	Failed           int
	Compensated      int
	CheckpointErrors int
	StartedAt        time.Time
	CompletedAt      time.Time
	Elapsed          time.Duration
}

// Succeeded сообщает, завершился ли запуск без сбоев элементов.
func (s JobSummary) Succeeded() bool {
	return s.Status == JobStatusCompleted && s.Failed == 0
}

// ProgressFilter ограничивает выборку записей прогресса.
type ProgressFilter struct {
	Status JobStatus
	Limit  int
}
