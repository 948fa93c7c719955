package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

var errSessionClosed = errors.New("memory: session already closed")

// progressStoreInMemory: in-memory реализация ProgressStore для локальной разработки и тестов.
type progressStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.JobProgress
	now   func() time.Time
}

// NewProgressStore возвращает in-memory хранилище прогресса.
func NewProgressStore() domain.ProgressStore {
	return &progressStoreInMemory{
		items: make(map[string]domain.JobProgress),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate атомарно под write-локом возвращает запись или создаёт pending.
func (s *progressStoreInMemory) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[jobID]; ok {
		return existing, nil
	}
	progress := domain.NewJobProgress(jobID, s.now())
	s.items[jobID] = progress
	return progress, nil
}

// Save перезаписывает изменяемые поля существующей записи.
func (s *progressStoreInMemory) Save(ctx context.Context, progress domain.JobProgress) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("save progress", progress.JobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[progress.JobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	s.items[progress.JobID] = mergeProgress(current, progress)
	return nil
}

func (s *progressStoreInMemory) Find(ctx context.Context, jobID string) (domain.JobProgress, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("find progress", jobID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	progress, ok := s.items[jobID]
	if !ok {
		return domain.JobProgress{}, domain.ErrJobNotFound
	}
	return progress, nil
}

// List возвращает записи, отсортированные по UpdatedAt (сначала новые).
func (s *progressStoreInMemory) List(ctx context.Context, filter domain.ProgressFilter) ([]domain.JobProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("list progress", "", err)
	}

	s.mu.RLock()
	result := make([]domain.JobProgress, 0, len(s.items))
	for _, progress := range s.items {
		if filter.Status != "" && progress.Status != filter.Status {
			continue
		}
		result = append(result, progress)
	}
	s.mu.RUnlock()

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

// DeleteFinished удаляет завершённые записи, начиная с самых старых.
func (s *progressStoreInMemory) DeleteFinished(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewPersistenceError("delete finished progress", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]domain.JobProgress, 0)
	for _, progress := range s.items {
		if !progress.Status.Terminal() || progress.UpdatedAt.After(before) {
			continue
		}
		candidates = append(candidates, progress)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, progress := range candidates {
		delete(s.items, progress.JobID)
	}
	return len(candidates), nil
}

// Begin открывает сессию. Записи копятся в сессии и применяются при Commit.
func (s *progressStoreInMemory) Begin(ctx context.Context) (domain.ProgressSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("begin session", "", err)
	}
	return &progressSessionInMemory{
		store:   s,
		staged:  make(map[string]domain.JobProgress),
		created: make(map[string]bool),
	}, nil
}

type progressSessionInMemory struct {
	store   *progressStoreInMemory
	mu      sync.Mutex
	staged  map[string]domain.JobProgress
	created map[string]bool
	order   []string
	closed  bool
}

func (t *progressSessionInMemory) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return domain.JobProgress{}, domain.NewPersistenceError("get or create progress", jobID, err)
	}
	if staged, ok := t.staged[jobID]; ok {
		return staged, nil
	}

	t.store.mu.RLock()
	existing, ok := t.store.items[jobID]
	t.store.mu.RUnlock()
	if ok {
		return existing, nil
	}

	progress := domain.NewJobProgress(jobID, t.store.now())
	t.stage(progress)
	t.created[jobID] = true
	return progress, nil
}

func (t *progressSessionInMemory) Save(ctx context.Context, progress domain.JobProgress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.NewPersistenceError("save progress", progress.JobID, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("save progress", progress.JobID, err)
	}
	if _, ok := t.staged[progress.JobID]; !ok {
		t.store.mu.RLock()
		_, exists := t.store.items[progress.JobID]
		t.store.mu.RUnlock()
		if !exists {
			return domain.ErrJobNotFound
		}
	}
	t.stage(progress)
	return nil
}

func (t *progressSessionInMemory) stage(progress domain.JobProgress) {
	if _, ok := t.staged[progress.JobID]; !ok {
		t.order = append(t.order, progress.JobID)
	}
	t.staged[progress.JobID] = progress
}

// Commit применяет накопленные записи одним шагом под write-локом хранилища.
func (t *progressSessionInMemory) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.NewPersistenceError("commit session", "", errSessionClosed)
	}
	t.closed = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, jobID := range t.order {
		progress := t.staged[jobID]
		current, exists := t.store.items[jobID]
		switch {
		case !exists:
			t.store.items[jobID] = progress
		case t.created[jobID] && progress.Status == domain.JobStatusPending && progress.Attempt == 0:
			// запись успел создать кто-то другой, пустую pending-заготовку не применяем
		default:
			t.store.items[jobID] = mergeProgress(current, progress)
		}
	}
	return nil
}

func (t *progressSessionInMemory) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.staged = nil
	t.created = nil
	t.order = nil
	return nil
}

// mergeProgress сохраняет неизменяемые поля исходной записи.
func mergeProgress(current, next domain.JobProgress) domain.JobProgress {
	next.JobID = current.JobID
	next.CreatedAt = current.CreatedAt
	return next
}

var (
	_ domain.ProgressStore   = (*progressStoreInMemory)(nil)
	_ domain.ProgressSession = (*progressSessionInMemory)(nil)
)
