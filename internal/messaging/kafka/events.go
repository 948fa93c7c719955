package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// TopicJobEvents: топик событий жизненного цикла пакетных заданий.
const TopicJobEvents = "oms.bulkjob.events"

// Kafka headers события
const (
	HeaderEventType = "x-event-type"
	HeaderRunID     = "x-run-id"
)

// JobEvent представляет событие задания
type JobEvent struct {
	EventType string    `json:"event_type"`
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewJobEvent создает событие из снимка записи прогресса
func NewJobEvent(eventType string, progress domain.JobProgress) *JobEvent {
	timestamp := progress.UpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return &JobEvent{
		EventType: eventType,
		JobID:     progress.JobID,
		RunID:     progress.RunID,
		Status:    string(progress.Status),
		Attempt:   progress.Attempt,
		Processed: progress.ProcessedCount,
		Total:     progress.TotalCount,
		Failed:    progress.FailedCount,
		LastError: progress.LastError,
		Timestamp: timestamp,
	}
}
