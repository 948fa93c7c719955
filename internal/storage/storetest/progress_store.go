// Package storetest содержит общий набор проверок контракта ProgressStore,
// который прогоняется для каждой реализации хранилища.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

// Factory возвращает пустое хранилище для одного подтеста.
type Factory func(t *testing.T) domain.ProgressStore

// RunProgressStoreSuite прогоняет проверки контракта для хранилища из factory.
func RunProgressStoreSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("GetOrCreateReturnsPendingThenExisting", func(t *testing.T) {
		testGetOrCreate(t, factory(t))
	})
	t.Run("ConcurrentGetOrCreateKeepsSingleRecord", func(t *testing.T) {
		testConcurrentGetOrCreate(t, factory(t))
	})
	t.Run("SavePersistsMutableFields", func(t *testing.T) {
		testSave(t, factory(t))
	})
	t.Run("SaveMissingRecord", func(t *testing.T) {
		testSaveMissing(t, factory(t))
	})
	t.Run("SessionCommitMakesWritesVisible", func(t *testing.T) {
		testSessionCommit(t, factory(t))
	})
	t.Run("SessionRollbackDiscardsWrites", func(t *testing.T) {
		testSessionRollback(t, factory(t))
	})
	t.Run("ListFiltersAndOrders", func(t *testing.T) {
		testList(t, factory(t))
	})
	t.Run("DeleteFinishedKeepsActiveRecords", func(t *testing.T) {
		testDeleteFinished(t, factory(t))
	})
}

func ts(minutes int) time.Time {
	return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

func testGetOrCreate(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	_, err := store.Find(ctx, "job-1")
	require.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)

	first, err := store.GetOrCreate(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", first.JobID)
	require.Equal(t, domain.JobStatusPending, first.Status)
	require.Zero(t, first.ProcessedCount)
	require.Zero(t, first.TotalCount)

	second, err := store.GetOrCreate(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, first.JobID, second.JobID)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func testConcurrentGetOrCreate(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			progress, err := store.GetOrCreate(ctx, "job-race")
			if err != nil {
				errs <- err
				return
			}
			if progress.Status != domain.JobStatusPending {
				errs <- fmt.Errorf("unexpected status %s", progress.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := store.List(ctx, domain.ProgressFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testSave(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	progress, err := store.GetOrCreate(ctx, "job-save")
	require.NoError(t, err)

	require.NoError(t, progress.Start("run-1", 10, ts(1)))
	_, err = progress.ApplyCheckpoint(4, 1, 10, ts(2))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, progress))

	stored, err := store.Find(ctx, "job-save")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusRunning, stored.Status)
	require.Equal(t, "run-1", stored.RunID)
	require.Equal(t, 1, stored.Attempt)
	require.Equal(t, 4, stored.ProcessedCount)
	require.Equal(t, 1, stored.FailedCount)
	require.Equal(t, 10, stored.TotalCount)
	require.True(t, stored.StartedAt.Equal(ts(1)))
	require.True(t, stored.UpdatedAt.Equal(ts(2)))
	require.True(t, stored.CompletedAt.IsZero())

	require.NoError(t, stored.Fail("too many failures", ts(3)))
	require.NoError(t, store.Save(ctx, stored))

	finished, err := store.Find(ctx, "job-save")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, finished.Status)
	require.Equal(t, "too many failures", finished.LastError)
	require.True(t, finished.CompletedAt.Equal(ts(3)))
}

func testSaveMissing(t *testing.T, store domain.ProgressStore) {
	progress := domain.NewJobProgress("job-missing", ts(0))
	err := store.Save(context.Background(), progress)
	require.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
}

func testSessionCommit(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	session, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = session.Rollback() }()

	progress, err := session.GetOrCreate(ctx, "job-tx")
	require.NoError(t, err)
	require.NoError(t, progress.Start("run-1", 3, ts(1)))
	require.NoError(t, session.Save(ctx, progress))

	require.NoError(t, session.Commit())
	// Rollback после Commit ничего не делает
	require.NoError(t, session.Rollback())

	stored, err := store.Find(ctx, "job-tx")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusRunning, stored.Status)
	require.Equal(t, 3, stored.TotalCount)
}

func testSessionRollback(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	session, err := store.Begin(ctx)
	require.NoError(t, err)

	progress, err := session.GetOrCreate(ctx, "job-rollback")
	require.NoError(t, err)
	require.NoError(t, progress.Start("run-1", 3, ts(1)))
	require.NoError(t, session.Save(ctx, progress))
	require.NoError(t, session.Rollback())

	_, err = store.Find(ctx, "job-rollback")
	require.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)

	// откат не затрагивает ранее зафиксированное состояние
	existing, err := store.GetOrCreate(ctx, "job-kept")
	require.NoError(t, err)
	require.NoError(t, existing.Start("run-1", 5, ts(1)))
	require.NoError(t, store.Save(ctx, existing))

	session, err = store.Begin(ctx)
	require.NoError(t, err)
	loaded, err := session.GetOrCreate(ctx, "job-kept")
	require.NoError(t, err)
	_, err = loaded.ApplyCheckpoint(5, 0, 5, ts(2))
	require.NoError(t, err)
	require.NoError(t, session.Save(ctx, loaded))
	require.NoError(t, session.Rollback())

	stored, err := store.Find(ctx, "job-kept")
	require.NoError(t, err)
	require.Equal(t, 0, stored.ProcessedCount)
}

func testList(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	seed := []struct {
		id       string
		finished bool
		updated  int
	}{
		{id: "job-a", finished: true, updated: 1},
		{id: "job-b", finished: false, updated: 3},
		{id: "job-c", finished: true, updated: 2},
	}
	for _, s := range seed {
		progress, err := store.GetOrCreate(ctx, s.id)
		require.NoError(t, err)
		require.NoError(t, progress.Start("run-"+s.id, 1, ts(s.updated)))
		if s.finished {
			require.NoError(t, progress.Complete(ts(s.updated)))
		}
		require.NoError(t, store.Save(ctx, progress))
	}

	all, err := store.List(ctx, domain.ProgressFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"job-b", "job-c", "job-a"}, jobIDs(all))

	completed, err := store.List(ctx, domain.ProgressFilter{Status: domain.JobStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, []string{"job-c", "job-a"}, jobIDs(completed))

	limited, err := store.List(ctx, domain.ProgressFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"job-b"}, jobIDs(limited))
}

func testDeleteFinished(t *testing.T, store domain.ProgressStore) {
	ctx := context.Background()

	old, err := store.GetOrCreate(ctx, "job-old")
	require.NoError(t, err)
	require.NoError(t, old.Start("run-1", 1, ts(0)))
	require.NoError(t, old.Complete(ts(1)))
	require.NoError(t, store.Save(ctx, old))

	oldCanceled, err := store.GetOrCreate(ctx, "job-old-canceled")
	require.NoError(t, err)
	require.NoError(t, oldCanceled.Start("run-1", 1, ts(0)))
	require.NoError(t, oldCanceled.Cancel("stopped", ts(2)))
	require.NoError(t, store.Save(ctx, oldCanceled))

	running, err := store.GetOrCreate(ctx, "job-running")
	require.NoError(t, err)
	require.NoError(t, running.Start("run-1", 1, ts(0)))
	require.NoError(t, store.Save(ctx, running))

	fresh, err := store.GetOrCreate(ctx, "job-fresh")
	require.NoError(t, err)
	require.NoError(t, fresh.Start("run-1", 1, ts(50)))
	require.NoError(t, fresh.Complete(ts(60)))
	require.NoError(t, store.Save(ctx, fresh))

	deleted, err := store.DeleteFinished(ctx, ts(30), 1)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = store.Find(ctx, "job-old")
	require.True(t, errors.Is(err, domain.ErrJobNotFound), "oldest record goes first, got %v", err)

	deleted, err = store.DeleteFinished(ctx, ts(30), 100)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	remaining, err := store.List(ctx, domain.ProgressFilter{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"job-running", "job-fresh"}, jobIDs(remaining))
}

func jobIDs(items []domain.JobProgress) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.JobID)
	}
	return ids
}
