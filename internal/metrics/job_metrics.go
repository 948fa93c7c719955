package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// JobMetrics содержит метрики пакетных заданий и retention.
type JobMetrics struct {
	// Счётчики запусков и элементов
	runs             *prometheus.CounterVec
	items            *prometheus.CounterVec
	checkpointErrors prometheus.Counter

	// Гистограмма времени выполнения запуска
	runDuration prometheus.Histogram

	// Gauge для активных запусков
	activeRuns prometheus.Gauge

	retentionDeleted prometheus.Counter
	retentionErrors  prometheus.Counter
}

// NewJobMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewJobMetrics() *JobMetrics {
	return NewJobMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewJobMetricsWithRegisterer создаёт метрики в заданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewJobMetricsWithRegisterer(registerer prometheus.Registerer) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &JobMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_bulkjob_runs_total",
			Help: "Total number of finished bulk job runs by result",
		}, []string{"result"}),
		items: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_bulkjob_items_total",
			Help: "Total number of processed bulk job items by result",
		}, []string{"result"}),
		checkpointErrors: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_bulkjob_checkpoint_errors_total",
			Help: "Total number of checkpoints that failed to persist",
		}),
		runDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "oms_bulkjob_run_duration_seconds",
			Help:    "Duration of bulk job runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		activeRuns: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "oms_bulkjob_active_runs",
			Help: "Number of bulk job runs currently in progress",
		}),
		retentionDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_bulkjob_retention_deleted_total",
			Help: "Total number of finished job progress records deleted by retention",
		}),
		retentionErrors: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_bulkjob_retention_errors_total",
			Help: "Total number of failed retention passes",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RunStarted увеличивает количество активных запусков.
func (m *JobMetrics) RunStarted() {
	m.activeRuns.Inc()
}

// RunFinished фиксирует итог запуска и его длительность.
func (m *JobMetrics) RunFinished(status domain.JobStatus, elapsed time.Duration) {
	m.activeRuns.Dec()
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// ItemProcessed увеличивает счётчик элементов с результатом result.
func (m *JobMetrics) ItemProcessed(result string) {
	m.items.WithLabelValues(result).Inc()
}

// CheckpointFailed увеличивает счётчик незаписанных checkpoint-ов.
func (m *JobMetrics) CheckpointFailed() {
	m.checkpointErrors.Inc()
}

// RetentionDeleted добавляет число удалённых записей прогресса.
func (m *JobMetrics) RetentionDeleted(n int) {
	if n > 0 {
		m.retentionDeleted.Add(float64(n))
	}
}

// RetentionFailed увеличивает счётчик неудачных проходов retention.
func (m *JobMetrics) RetentionFailed() {
	m.retentionErrors.Inc()
}
