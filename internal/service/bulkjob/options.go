package bulkjob

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const (
	defaultPersistTimeout = 10 * time.Second
)

// Recorder принимает метрики запусков. Реализуется пакетом metrics.
type Recorder interface {
	RunStarted()
	RunFinished(status domain.JobStatus, elapsed time.Duration)
	ItemProcessed(result string)
	CheckpointFailed()
}

// Результаты обработки элемента для Recorder.ItemProcessed.
const (
	ItemResultSucceeded   = "succeeded"
	ItemResultFailed      = "failed"
	ItemResultCompensated = "compensated"
)

type noopRecorder struct{}

func (noopRecorder) RunStarted()                                {}
func (noopRecorder) RunFinished(domain.JobStatus, time.Duration) {}
func (noopRecorder) ItemProcessed(string)                        {}
func (noopRecorder) CheckpointFailed()                           {}

// RunnerOptions задаёт параметры Runner.
type RunnerOptions struct {
	Logger          *log.Entry
	Metrics         Recorder
	Events          domain.JobEventPublisher
	MaxItemFailures int
	PersistTimeout  time.Duration
	Clock           func() time.Time
}

// Option настраивает Runner.
type Option func(*RunnerOptions)

// WithLogger задаёт logger для runner.
func WithLogger(logger *log.Entry) Option {
	return func(opts *RunnerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт приёмник метрик.
func WithMetrics(recorder Recorder) Option {
	return func(opts *RunnerOptions) {
		opts.Metrics = recorder
	}
}

// WithEventPublisher задаёт publisher событий жизненного цикла задания.
func WithEventPublisher(publisher domain.JobEventPublisher) Option {
	return func(opts *RunnerOptions) {
		opts.Events = publisher
	}
}

// WithMaxItemFailures включает политику прерывания: при числе сбоев больше n
// запуск останавливается, успешные элементы компенсируются, задание уходит в failed.
// n=0 отключает политику.
func WithMaxItemFailures(n int) Option {
	return func(opts *RunnerOptions) {
		opts.MaxItemFailures = n
	}
}

// WithPersistTimeout ограничивает время записи старта, checkpoint-а и финализации.
func WithPersistTimeout(timeout time.Duration) Option {
	return func(opts *RunnerOptions) {
		opts.PersistTimeout = timeout
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *RunnerOptions) {
		opts.Clock = clock
	}
}
