package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

func TestNewJobMetrics_RegistersIdempotently(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewJobMetricsWithRegisterer(reg)
	second := NewJobMetricsWithRegisterer(reg)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Same(t, first.runs, second.runs)
	assert.Equal(t, first.activeRuns, second.activeRuns)
}

func TestJobMetrics_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetricsWithRegisterer(reg)

	m.RunStarted()
	m.RunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeRuns))

	m.RunFinished(domain.JobStatusCompleted, 150*time.Millisecond)
	m.RunFinished(domain.JobStatusFailed, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed")))

	metric := &dto.Metric{}
	require.NoError(t, m.runDuration.Write(metric))
	assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.15, metric.GetHistogram().GetSampleSum(), 0.0001)
}

func TestJobMetrics_ItemsAndCheckpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetricsWithRegisterer(reg)

	m.ItemProcessed("succeeded")
	m.ItemProcessed("succeeded")
	m.ItemProcessed("failed")
	m.CheckpointFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointErrors))
}

func TestJobMetrics_Retention(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetricsWithRegisterer(reg)

	m.RetentionDeleted(5)
	m.RetentionDeleted(0)
	m.RetentionFailed()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.retentionDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retentionErrors))

	count, err := testutil.GatherAndCount(reg, "oms_bulkjob_retention_deleted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterCounter_PanicsOnTypeMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerGauge(reg, prometheus.GaugeOpts{Name: "oms_test_collision", Help: "gauge"})

	assert.Panics(t, func() {
		registerCounter(reg, prometheus.CounterOpts{Name: "oms_test_collision", Help: "counter"})
	})
}
