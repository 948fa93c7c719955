package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/memory"
)

type stubStore struct {
	domain.ProgressStore

	mu            sync.Mutex
	deleteResults []int
	deleteErrors  []error
	befores       []time.Time
}

func (s *stubStore) DeleteFinished(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.befores = append(s.befores, before)

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.befores)
}

type countingRecorder struct {
	mu      sync.Mutex
	deleted int
	failed  int
}

func (r *countingRecorder) RetentionDeleted(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted += n
}

func (r *countingRecorder) RetentionFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func TestWorker_DeleteFinished_Batches(t *testing.T) {
	t.Parallel()

	store := &stubStore{deleteResults: []int{2, 2, 1}}
	recorder := &countingRecorder{}
	worker := NewWorker(store, WithBatchSize(2), WithMetrics(recorder))

	deleted, err := worker.DeleteFinished(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 3, store.calls())
	assert.Equal(t, 5, recorder.deleted)
}

func TestWorker_DeleteFinished_Error(t *testing.T) {
	t.Parallel()

	store := &stubStore{deleteErrors: []error{errors.New("boom")}}
	worker := NewWorker(store, WithBatchSize(10))

	deleted, err := worker.DeleteFinished(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, 0, deleted)
}

func TestWorker_SweepUsesTTLCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	store := &stubStore{}
	recorder := &countingRecorder{}
	worker := NewWorker(store,
		WithTTL(time.Hour),
		WithMetrics(recorder),
		WithClock(func() time.Time { return now }),
	)

	worker.sweep(context.Background())
	require.Equal(t, 1, store.calls())
	assert.Equal(t, now.Add(-time.Hour), store.befores[0])

	store.deleteErrors = []error{errors.New("db down")}
	worker.sweep(context.Background())
	assert.Equal(t, 1, recorder.failed)
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	worker := NewWorker(store, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	assert.Positive(t, store.calls())
}

func TestWorker_KeepsUnfinishedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewProgressStore()
	old := time.Now().UTC().Add(-48 * time.Hour)

	running, err := store.GetOrCreate(ctx, "job-running")
	require.NoError(t, err)
	require.NoError(t, running.Start("run-1", 2, old))
	require.NoError(t, store.Save(ctx, running))

	done, err := store.GetOrCreate(ctx, "job-done")
	require.NoError(t, err)
	require.NoError(t, done.Start("run-2", 1, old))
	require.NoError(t, done.Complete(old))
	require.NoError(t, store.Save(ctx, done))

	_, err = store.GetOrCreate(ctx, "job-pending")
	require.NoError(t, err)

	worker := NewWorker(store, WithTTL(24*time.Hour))
	deleted, err := worker.DeleteFinished(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Find(ctx, "job-done")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = store.Find(ctx, "job-running")
	require.NoError(t, err)
	_, err = store.Find(ctx, "job-pending")
	require.NoError(t, err)
}
