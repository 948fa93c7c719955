package bulkjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/storage/memory"
)

// faultyStore позволяет провалить N-й вызов Begin.
type faultyStore struct {
	domain.ProgressStore

	mu        sync.Mutex
	begins    int
	failBegin map[int]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		ProgressStore: memory.NewProgressStore(),
		failBegin:     make(map[int]error),
	}
}

func (s *faultyStore) Begin(ctx context.Context) (domain.ProgressSession, error) {
	s.mu.Lock()
	s.begins++
	err := s.failBegin[s.begins]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.ProgressStore.Begin(ctx)
}

// scriptedProcessor выполняет заданную функцию для каждого элемента и умеет компенсировать.
type scriptedProcessor struct {
	mu          sync.Mutex
	fn          func(ctx context.Context, item domain.ItemRef) error
	processed   []domain.ItemRef
	compensated []domain.ItemRef
}

func (p *scriptedProcessor) Process(ctx context.Context, item domain.ItemRef) error {
	p.mu.Lock()
	p.processed = append(p.processed, item)
	p.mu.Unlock()

	if p.fn == nil {
		return nil
	}
	return p.fn(ctx, item)
}

func (p *scriptedProcessor) Compensate(_ context.Context, item domain.ItemRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compensated = append(p.compensated, item)
	return nil
}

type recordedEvent struct {
	eventType string
	processed int
	status    domain.JobStatus
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, eventType string, progress domain.JobProgress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType: eventType, processed: progress.ProcessedCount, status: progress.Status})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

type countingRecorder struct {
	mu                 sync.Mutex
	started            int
	finished           []domain.JobStatus
	items              map[string]int
	checkpointFailures int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{items: make(map[string]int)}
}

func (r *countingRecorder) RunStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) RunFinished(status domain.JobStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func (r *countingRecorder) ItemProcessed(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[result]++
}

func (r *countingRecorder) CheckpointFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpointFailures++
}

func items(ids ...string) []domain.ItemRef {
	refs := make([]domain.ItemRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, domain.ItemRef(id))
	}
	return refs
}

func TestRunner_EmptyItemsCompletes(t *testing.T) {
	store := memory.NewProgressStore()
	runner := NewRunner(store, &scriptedProcessor{})

	summary, err := runner.Run(context.Background(), "job-empty", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.Processed)
	assert.True(t, summary.Succeeded())

	stored, err := store.Find(context.Background(), "job-empty")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 0, stored.ProcessedCount)
	assert.Equal(t, 0, stored.TotalCount)
}

func TestRunner_ItemFailureDoesNotLoseEarlierCheckpoint(t *testing.T) {
	store := memory.NewProgressStore()
	var seenBeforeB domain.JobProgress

	processor := &scriptedProcessor{fn: func(ctx context.Context, item domain.ItemRef) error {
		if item != "B" {
			return nil
		}
		var err error
		seenBeforeB, err = store.Find(ctx, "job-abc")
		if err != nil {
			return err
		}
		return errors.New("carrier rejected")
	}}

	runner := NewRunner(store, processor)
	summary, err := runner.Run(context.Background(), "job-abc", items("A", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, 1, seenBeforeB.ProcessedCount, "checkpoint after A must be visible before B")
	assert.Equal(t, domain.JobStatusRunning, seenBeforeB.Status)

	assert.Equal(t, domain.JobStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Succeeded())

	stored, err := store.Find(context.Background(), "job-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.ProcessedCount)
	assert.Equal(t, 1, stored.FailedCount)
	assert.Equal(t, 3, stored.TotalCount)
}

func TestRunner_ObservedProgressIsMonotonic(t *testing.T) {
	store := memory.NewProgressStore()
	var observed []domain.JobProgress

	processor := &scriptedProcessor{fn: func(ctx context.Context, item domain.ItemRef) error {
		progress, err := store.Find(ctx, "job-mono")
		if err != nil {
			return err
		}
		observed = append(observed, progress)
		if item == "3" || item == "5" {
			return errors.New("boom")
		}
		return nil
	}}

	_, err := NewRunner(store, processor).Run(context.Background(), "job-mono", items("1", "2", "3", "4", "5", "6"))
	require.NoError(t, err)

	require.Len(t, observed, 6)
	for i, p := range observed {
		assert.Equal(t, i, p.ProcessedCount)
		assert.LessOrEqual(t, p.ProcessedCount, p.TotalCount)
		if i > 0 {
			assert.GreaterOrEqual(t, p.ProcessedCount, observed[i-1].ProcessedCount)
		}
	}
}

func TestRunner_RerunResetsCounters(t *testing.T) {
	store := memory.NewProgressStore()
	ctx := context.Background()

	first, err := NewRunner(store, &scriptedProcessor{}).Run(ctx, "job-rerun", items("A", "B", "C"))
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, first.Status)

	var atFirstItem domain.JobProgress
	processor := &scriptedProcessor{fn: func(ctx context.Context, item domain.ItemRef) error {
		if item == "X" {
			atFirstItem, _ = store.Find(ctx, "job-rerun")
		}
		return nil
	}}

	second, err := NewRunner(store, processor).Run(ctx, "job-rerun", items("X", "Y"))
	require.NoError(t, err)

	assert.Equal(t, 0, atFirstItem.ProcessedCount)
	assert.Equal(t, 2, atFirstItem.TotalCount)
	assert.Equal(t, 2, atFirstItem.Attempt)
	assert.NotEqual(t, first.RunID, second.RunID)

	stored, err := store.Find(ctx, "job-rerun")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.ProcessedCount)
	assert.Equal(t, 2, stored.TotalCount)
}

func TestRunner_CheckpointFailureKeepsEarlierCheckpoints(t *testing.T) {
	store := newFaultyStore()
	// 1: старт, 2: checkpoint после A, 3: checkpoint после B
	store.failBegin[3] = errors.New("connection refused")

	var seenAtC domain.JobProgress
	processor := &scriptedProcessor{fn: func(ctx context.Context, item domain.ItemRef) error {
		if item == "C" {
			seenAtC, _ = store.Find(ctx, "job-cp")
		}
		return nil
	}}
	recorder := newCountingRecorder()

	summary, err := NewRunner(store, processor, WithMetrics(recorder)).Run(context.Background(), "job-cp", items("A", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, 1, seenAtC.ProcessedCount, "checkpoint after A survives the failed checkpoint after B")
	assert.Equal(t, 1, summary.CheckpointErrors)
	assert.Equal(t, 1, recorder.checkpointFailures)
	assert.Equal(t, domain.JobStatusCompleted, summary.Status)

	stored, err := store.Find(context.Background(), "job-cp")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ProcessedCount)
}

func TestRunner_CancelBetweenItems(t *testing.T) {
	store := memory.NewProgressStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := &scriptedProcessor{fn: func(_ context.Context, item domain.ItemRef) error {
		if item == "B" {
			cancel()
		}
		return nil
	}}
	publisher := &recordingPublisher{}

	summary, err := NewRunner(store, processor, WithEventPublisher(publisher)).Run(ctx, "job-cancel", items("A", "B", "C", "D"))
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCanceled, summary.Status)
	assert.Equal(t, 2, summary.Processed)
	assert.Len(t, processor.processed, 2)

	stored, err := store.Find(context.Background(), "job-cancel")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, stored.Status)
	assert.Equal(t, 2, stored.ProcessedCount)
	assert.Equal(t, 4, stored.TotalCount)
	assert.Contains(t, stored.LastError, "canceled after 2 of 4 items")
	assert.False(t, stored.CompletedAt.IsZero())

	types := publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventJobStarted, types[0])
	assert.Equal(t, domain.EventJobCanceled, types[len(types)-1])
}

func TestRunner_AbortPolicyCompensatesInReverseOrder(t *testing.T) {
	store := memory.NewProgressStore()
	processor := &scriptedProcessor{fn: func(_ context.Context, item domain.ItemRef) error {
		if item == "C" || item == "E" {
			return fmt.Errorf("order %s: %w", item, domain.ErrOrderNotShippable)
		}
		return nil
	}}
	recorder := newCountingRecorder()

	summary, err := NewRunner(store, processor, WithMaxItemFailures(1), WithMetrics(recorder)).
		Run(context.Background(), "job-abort", items("A", "B", "C", "D", "E", "F"))
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, summary.Status)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 3, summary.Compensated)
	assert.Equal(t, items("D", "B", "A"), processor.compensated)
	assert.NotContains(t, processor.processed, domain.ItemRef("F"))

	stored, err := store.Find(context.Background(), "job-abort")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "exceeded limit 1")

	assert.Equal(t, []domain.JobStatus{domain.JobStatusFailed}, recorder.finished)
	assert.Equal(t, 3, recorder.items[ItemResultCompensated])
	assert.Equal(t, 2, recorder.items[ItemResultFailed])
}

// slowCompensator компенсирует элементы с задержкой.
type slowCompensator struct {
	scriptedProcessor
	delay       time.Duration
	hadDeadline bool
}

func (p *slowCompensator) Compensate(ctx context.Context, item domain.ItemRef) error {
	if _, ok := ctx.Deadline(); ok {
		p.hadDeadline = true
	}
	time.Sleep(p.delay)
	return p.scriptedProcessor.Compensate(ctx, item)
}

func TestRunner_SlowCompensationStillRecordsFailure(t *testing.T) {
	store := memory.NewProgressStore()
	processor := &slowCompensator{delay: 80 * time.Millisecond}
	processor.fn = func(_ context.Context, item domain.ItemRef) error {
		if item == "B" || item == "C" {
			return domain.ErrOrderNotShippable
		}
		return nil
	}

	summary, err := NewRunner(store, processor, WithMaxItemFailures(1), WithPersistTimeout(50*time.Millisecond)).
		Run(context.Background(), "job-slow-comp", items("A", "B", "C", "D"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, summary.Status)
	assert.Equal(t, 1, summary.Compensated)
	assert.False(t, processor.hadDeadline)

	stored, err := store.Find(context.Background(), "job-slow-comp")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.ProcessedCount)
	assert.False(t, stored.CompletedAt.IsZero())
}

func TestRunner_CheckpointOfSupersededRunIsRejected(t *testing.T) {
	store := memory.NewProgressStore()
	ctx := context.Background()

	processor := &scriptedProcessor{fn: func(_ context.Context, item domain.ItemRef) error {
		if item != "A" {
			return nil
		}
		// другой процесс перезапускает задание, пока этот запуск ещё идёт
		record, err := store.Find(ctx, "job-taken")
		require.NoError(t, err)
		require.NoError(t, record.Cancel("superseded", time.Now().UTC()))
		require.NoError(t, record.Start("run-other", 5, time.Now().UTC()))
		require.NoError(t, store.Save(ctx, record))
		return nil
	}}
	summary, err := NewRunner(store, processor).Run(ctx, "job-taken", items("A", "B"))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 2, summary.CheckpointErrors)
	assert.Equal(t, domain.JobStatusRunning, summary.Status)

	stored, err := store.Find(ctx, "job-taken")
	require.NoError(t, err)
	assert.Equal(t, "run-other", stored.RunID)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
	assert.Equal(t, 0, stored.ProcessedCount)
	assert.Equal(t, 5, stored.TotalCount)
}

func TestRunner_AbortWithoutCompensatorRecordsReason(t *testing.T) {
	store := memory.NewProgressStore()
	processor := domain.ItemProcessorFunc(func(_ context.Context, item domain.ItemRef) error {
		if item == "B" {
			return errors.New("boom")
		}
		return nil
	})

	summary, err := NewRunner(store, processor, WithMaxItemFailures(0)).
		Run(context.Background(), "job-nocomp", items("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, summary.Status, "limit 0 disables the abort policy")

	summary, err = NewRunner(store, processor, WithMaxItemFailures(1)).
		Run(context.Background(), "job-nocomp-2", items("B", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, summary.Status)
	assert.Equal(t, 0, summary.Compensated)

	stored, err := store.Find(context.Background(), "job-nocomp-2")
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, domain.ErrCompensationUnsupported.Error())
}

func TestRunner_ConcurrentRunForSameJobIsRejected(t *testing.T) {
	store := memory.NewProgressStore()
	entered := make(chan struct{})
	release := make(chan struct{})

	processor := &scriptedProcessor{fn: func(context.Context, domain.ItemRef) error {
		close(entered)
		<-release
		return nil
	}}
	runner := NewRunner(store, processor)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "job-busy", items("A"))
		done <- err
	}()

	<-entered
	assert.True(t, runner.InFlight("job-busy"))

	_, err := runner.Run(context.Background(), "job-busy", items("B"))
	require.ErrorIs(t, err, domain.ErrJobInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, runner.InFlight("job-busy"))
}

func TestRunner_ValidationErrors(t *testing.T) {
	store := memory.NewProgressStore()
	runner := NewRunner(store, &scriptedProcessor{})

	_, err := runner.Run(context.Background(), "", items("A"))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "job_id", verr.Field)

	_, err = runner.Run(context.Background(), "job-1", items("A", ""))
	require.ErrorIs(t, err, domain.ErrValidation)

	list, err := store.List(context.Background(), domain.ProgressFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected runs must not create records")
}

func TestRunner_StartPersistenceFailure(t *testing.T) {
	store := newFaultyStore()
	store.failBegin[1] = errors.New("database is down")
	processor := &scriptedProcessor{}

	_, err := NewRunner(store, processor).Run(context.Background(), "job-down", items("A"))
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Empty(t, processor.processed)
}

func TestRunner_FinalizePersistenceFailure(t *testing.T) {
	store := newFaultyStore()
	// 1: старт, 2..3: checkpoint-ы, 4: финализация
	store.failBegin[4] = errors.New("database is down")

	summary, err := NewRunner(store, &scriptedProcessor{}).Run(context.Background(), "job-fin", items("A", "B"))
	require.ErrorIs(t, err, domain.ErrPersistence)

	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "job-fin", perr.JobID)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, domain.JobStatusRunning, summary.Status)

	stored, err := store.Find(context.Background(), "job-fin")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
	assert.Equal(t, 2, stored.ProcessedCount)
}

func TestRunner_PanicIsCountedAsItemFailure(t *testing.T) {
	processor := domain.ItemProcessorFunc(func(_ context.Context, item domain.ItemRef) error {
		if item == "B" {
			panic("nil map")
		}
		return nil
	})

	summary, err := NewRunner(memory.NewProgressStore(), processor).Run(context.Background(), "job-panic", items("A", "B", "C"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunner_SupersedesStaleRunningRecord(t *testing.T) {
	store := memory.NewProgressStore()
	ctx := context.Background()

	stale, err := store.GetOrCreate(ctx, "job-stale")
	require.NoError(t, err)
	require.NoError(t, stale.Start("run-crashed", 10, time.Now().UTC()))
	require.NoError(t, store.Save(ctx, stale))

	summary, err := NewRunner(store, &scriptedProcessor{}).Run(ctx, "job-stale", items("A"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, summary.Status)

	stored, err := store.Find(ctx, "job-stale")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempt)
	assert.Equal(t, 1, stored.TotalCount)
	assert.NotEqual(t, "run-crashed", stored.RunID)
}

func TestRunner_RunAsync(t *testing.T) {
	store := memory.NewProgressStore()
	release := make(chan struct{})
	processor := &scriptedProcessor{fn: func(context.Context, domain.ItemRef) error {
		<-release
		return nil
	}}
	runner := NewRunner(store, processor)

	snapshot, err := runner.RunAsync(context.Background(), "job-async", items("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, snapshot.Status)
	assert.Equal(t, 2, snapshot.TotalCount)

	_, err = runner.RunAsync(context.Background(), "job-async", items("A"))
	require.ErrorIs(t, err, domain.ErrJobInFlight)

	close(release)
	runner.Wait()

	stored, err := store.Find(context.Background(), "job-async")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.ProcessedCount)
}

func TestRunner_PublishesLifecycleEvents(t *testing.T) {
	publisher := &recordingPublisher{}
	recorder := newCountingRecorder()

	_, err := NewRunner(memory.NewProgressStore(), &scriptedProcessor{},
		WithEventPublisher(publisher), WithMetrics(recorder)).
		Run(context.Background(), "job-events", items("A", "B"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.EventJobStarted,
		domain.EventJobCheckpoint,
		domain.EventJobCheckpoint,
		domain.EventJobCompleted,
	}, publisher.types())
	assert.Equal(t, 1, recorder.started)
	assert.Equal(t, 2, recorder.items[ItemResultSucceeded])

	last := publisher.events[len(publisher.events)-1]
	assert.Equal(t, domain.JobStatusCompleted, last.status)
	assert.Equal(t, 2, last.processed)
}
