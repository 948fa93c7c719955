package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const (
	progressPrefix = "progress/"
	// maxConflictRetries ограничивает повторы GetOrCreate при конфликте транзакций badger.
	maxConflictRetries = 10
)

// progressRecord: формат хранения записи в badger.
type progressRecord struct {
	JobID          string    `json:"job_id"`
	RunID          string    `json:"run_id,omitempty"`
	Status         string    `json:"status"`
	Attempt        int       `json:"attempt"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	TotalCount     int       `json:"total_count"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func toRecord(p domain.JobProgress) progressRecord {
	return progressRecord{
		JobID:          p.JobID,
		RunID:          p.RunID,
		Status:         string(p.Status),
		Attempt:        p.Attempt,
		ProcessedCount: p.ProcessedCount,
		FailedCount:    p.FailedCount,
		TotalCount:     p.TotalCount,
		LastError:      p.LastError,
		CreatedAt:      p.CreatedAt,
		StartedAt:      p.StartedAt,
		UpdatedAt:      p.UpdatedAt,
		CompletedAt:    p.CompletedAt,
	}
}

func (r progressRecord) toDomain() domain.JobProgress {
	return domain.JobProgress{
		JobID:          r.JobID,
		RunID:          r.RunID,
		Status:         domain.JobStatus(r.Status),
		Attempt:        r.Attempt,
		ProcessedCount: r.ProcessedCount,
		FailedCount:    r.FailedCount,
		TotalCount:     r.TotalCount,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func progressKey(jobID string) []byte {
	return []byte(progressPrefix + jobID)
}

type progressStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewProgressStore создаёт ProgressStore поверх badger.
func NewProgressStore(store *Store) domain.ProgressStore {
	return &progressStore{
		db:  store.db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate повторяет транзакцию, если параллельная запись вызвала конфликт.
func (s *progressStore) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	var progress domain.JobProgress
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, err)
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			progress, err = getOrCreateInTxn(txn, jobID, s.now())
			return err
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return progress, domain.NewPersistenceError("get or create progress", jobID, err)
	}
	return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, badger.ErrConflict)
}

func (s *progressStore) Save(ctx context.Context, progress domain.JobProgress) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("save progress", progress.JobID, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return saveInTxn(txn, progress)
	})
	return domain.NewPersistenceError("save progress", progress.JobID, err)
}

func (s *progressStore) Find(ctx context.Context, jobID string) (domain.JobProgress, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("find progress", jobID, err)
	}

	var progress domain.JobProgress
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		progress, err = readInTxn(txn, jobID)
		return err
	})
	return progress, domain.NewPersistenceError("find progress", jobID, err)
}

func (s *progressStore) List(ctx context.Context, filter domain.ProgressFilter) ([]domain.JobProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("list progress", "", err)
	}

	var result []domain.JobProgress
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, func(p domain.JobProgress) {
			if filter.Status == "" || p.Status == filter.Status {
				result = append(result, p)
			}
		})
	})
	if err != nil {
		return nil, domain.NewPersistenceError("list progress", "", err)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].JobID < result[j].JobID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *progressStore) DeleteFinished(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewPersistenceError("delete finished progress", "", err)
	}

	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var candidates []domain.JobProgress
		if err := scanPrefix(txn, func(p domain.JobProgress) {
			if p.Status.Terminal() && !p.UpdatedAt.After(before) {
				candidates = append(candidates, p)
			}
		}); err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		})
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}
		for _, p := range candidates {
			if err := txn.Delete(progressKey(p.JobID)); err != nil {
				return err
			}
		}
		deleted = len(candidates)
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError("delete finished progress", "", err)
	}
	return deleted, nil
}

// Begin открывает read-write транзакцию badger. Сессию нельзя делить между горутинами.
func (s *progressStore) Begin(ctx context.Context) (domain.ProgressSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("begin session", "", err)
	}
	return &progressSession{txn: s.db.NewTransaction(true), now: s.now}, nil
}

type progressSession struct {
	txn  *badger.Txn
	now  func() time.Time
	done bool
}

func (t *progressSession) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	if err := t.check(ctx); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, err)
	}
	progress, err := getOrCreateInTxn(t.txn, jobID, t.now())
	return progress, domain.NewPersistenceError("get or create progress", jobID, err)
}

func (t *progressSession) Save(ctx context.Context, progress domain.JobProgress) error {
	if err := t.check(ctx); err != nil {
		return domain.NewPersistenceError("save progress", progress.JobID, err)
	}
	return domain.NewPersistenceError("save progress", progress.JobID, saveInTxn(t.txn, progress))
}

func (t *progressSession) Commit() error {
	if t.done {
		return domain.NewPersistenceError("commit session", "", badger.ErrDiscardedTxn)
	}
	t.done = true
	if err := t.txn.Commit(); err != nil {
		return domain.NewPersistenceError("commit session", "", err)
	}
	return nil
}

func (t *progressSession) Rollback() error {
	t.done = true
	t.txn.Discard()
	return nil
}

func (t *progressSession) check(ctx context.Context) error {
	if t.done {
		return badger.ErrDiscardedTxn
	}
	return ctx.Err()
}

func getOrCreateInTxn(txn *badger.Txn, jobID string, now time.Time) (domain.JobProgress, error) {
	progress, err := readInTxn(txn, jobID)
	if err == nil {
		return progress, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return domain.JobProgress{}, err
	}

	progress = domain.NewJobProgress(jobID, now)
	if err := writeInTxn(txn, progress); err != nil {
		return domain.JobProgress{}, err
	}
	return progress, nil
}

func saveInTxn(txn *badger.Txn, progress domain.JobProgress) error {
	current, err := readInTxn(txn, progress.JobID)
	if err != nil {
		return err
	}
	progress.CreatedAt = current.CreatedAt
	return writeInTxn(txn, progress)
}

func readInTxn(txn *badger.Txn, jobID string) (domain.JobProgress, error) {
	item, err := txn.Get(progressKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.JobProgress{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.JobProgress{}, fmt.Errorf("get %s: %w", jobID, err)
	}

	var record progressRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return domain.JobProgress{}, fmt.Errorf("decode progress %s: %w", jobID, err)
	}
	return record.toDomain(), nil
}

func writeInTxn(txn *badger.Txn, progress domain.JobProgress) error {
	data, err := json.Marshal(toRecord(progress))
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", progress.JobID, err)
	}
	return txn.Set(progressKey(progress.JobID), data)
}

func scanPrefix(txn *badger.Txn, fn func(domain.JobProgress)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(progressPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var record progressRecord
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return fmt.Errorf("decode progress %s: %w", it.Item().Key(), err)
		}
		fn(record.toDomain())
	}
	return nil
}

var (
	_ domain.ProgressStore   = (*progressStore)(nil)
	_ domain.ProgressSession = (*progressSession)(nil)
)
