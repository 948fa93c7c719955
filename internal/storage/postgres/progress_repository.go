package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/domain"
)

const progressColumns = `job_id, run_id, status, attempt, processed_count, failed_count, total_count,
	last_error, created_at, started_at, updated_at, completed_at`

type progressStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewProgressStore создаёт PostgreSQL-реализацию ProgressStore.
func NewProgressStore(store *Store) domain.ProgressStore {
	return &progressStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *progressStore) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	progress, err := getOrCreateProgress(ctx, s.db, jobID, s.now(), false)
	return progress, domain.NewPersistenceError("get or create progress", jobID, err)
}

func (s *progressStore) Save(ctx context.Context, progress domain.JobProgress) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return domain.NewPersistenceError("save progress", progress.JobID, saveProgress(ctx, s.db, progress))
}

func (s *progressStore) Find(ctx context.Context, jobID string) (domain.JobProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM job_progress WHERE job_id = $1`, jobID)
	progress, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobProgress{}, domain.ErrJobNotFound
	}
	return progress, domain.NewPersistenceError("find progress", jobID, err)
}

func (s *progressStore) List(ctx context.Context, filter domain.ProgressFilter) ([]domain.JobProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + progressColumns + ` FROM job_progress`
	args := make([]any, 0, 2)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY updated_at DESC, job_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("list progress", "", err)
	}
	defer rows.Close()

	result := make([]domain.JobProgress, 0)
	for rows.Next() {
		progress, err := scanProgress(rows)
		if err != nil {
			return nil, domain.NewPersistenceError("scan progress row", "", err)
		}
		result = append(result, progress)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate progress rows", "", err)
	}
	return result, nil
}

func (s *progressStore) DeleteFinished(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_progress
		WHERE job_id IN (
			SELECT job_id
			FROM job_progress
			WHERE status IN ('completed', 'failed', 'canceled')
			  AND updated_at <= $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before.UTC(), limit)
	if err != nil {
		return 0, domain.NewPersistenceError("delete finished progress", "", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewPersistenceError("delete finished progress", "", err)
	}
	return int(affected), nil
}

// Begin открывает транзакцию. Контекст привязан ко всей сессии до Commit/Rollback.
func (s *progressStore) Begin(ctx context.Context) (domain.ProgressSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewPersistenceError("begin session", "", err)
	}
	return &progressSession{tx: tx, now: s.now}, nil
}

type progressSession struct {
	tx  *sql.Tx
	now func() time.Time
}

// GetOrCreate внутри сессии берёт строку под FOR UPDATE до конца транзакции.
func (t *progressSession) GetOrCreate(ctx context.Context, jobID string) (domain.JobProgress, error) {
	progress, err := getOrCreateProgress(ctx, t.tx, jobID, t.now(), true)
	return progress, domain.NewPersistenceError("get or create progress", jobID, err)
}

func (t *progressSession) Save(ctx context.Context, progress domain.JobProgress) error {
	return domain.NewPersistenceError("save progress", progress.JobID, saveProgress(ctx, t.tx, progress))
}

func (t *progressSession) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return domain.NewPersistenceError("commit session", "", err)
	}
	return nil
}

func (t *progressSession) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return domain.NewPersistenceError("rollback session", "", err)
	}
	return nil
}

func getOrCreateProgress(ctx context.Context, q queryer, jobID string, now time.Time, lock bool) (domain.JobProgress, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO job_progress (job_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, string(domain.JobStatusPending), now); err != nil {
		return domain.JobProgress{}, fmt.Errorf("insert progress: %w", err)
	}

	query := `SELECT ` + progressColumns + ` FROM job_progress WHERE job_id = $1`
	if lock {
		query += " FOR UPDATE"
	}
	progress, err := scanProgress(q.QueryRowContext(ctx, query, jobID))
	if err != nil {
		return domain.JobProgress{}, fmt.Errorf("select progress: %w", err)
	}
	return progress, nil
}

func saveProgress(ctx context.Context, q queryer, p domain.JobProgress) error {
	res, err := q.ExecContext(ctx, `
		UPDATE job_progress
		SET run_id = $2,
		    status = $3,
		    attempt = $4,
		    processed_count = $5,
		    failed_count = $6,
		    total_count = $7,
		    last_error = $8,
		    started_at = $9,
		    updated_at = $10,
		    completed_at = $11
		WHERE job_id = $1
	`,
		p.JobID, p.RunID, string(p.Status), p.Attempt,
		p.ProcessedCount, p.FailedCount, p.TotalCount, p.LastError,
		nullTime(p.StartedAt), p.UpdatedAt, nullTime(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (domain.JobProgress, error) {
	var (
		p           domain.JobProgress
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&p.JobID, &p.RunID, &status, &p.Attempt,
		&p.ProcessedCount, &p.FailedCount, &p.TotalCount, &p.LastError,
		&p.CreatedAt, &startedAt, &p.UpdatedAt, &completedAt,
	); err != nil {
		return domain.JobProgress{}, err
	}
	p.Status = domain.JobStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if startedAt.Valid {
		p.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time.UTC()
	}
	return p, nil
}

var (
	_ domain.ProgressStore   = (*progressStore)(nil)
	_ domain.ProgressSession = (*progressSession)(nil)
)
