package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements the Store interface on a local SQLite file. It is the
// development fallback when no DATABASE_URL is configured. Timestamps are stored
// as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, file_id, original_name, prompt, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID.String(), job.FileID, job.OriginalName, job.Prompt, job.Status,
		job.CreatedAt.UnixMicro(), job.UpdatedAt.UnixMicro())
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *models.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, job.JobID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if err := checkUpdate(current, job); err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_filename = ?, result_path = ?, result_size = ?, updated_at = ?
		 WHERE job_id = ?`,
		job.Status, job.ResultFilename, job.ResultPath, job.ResultSize, job.UpdatedAt.UnixMicro(), job.JobID.String())
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListResultPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_path FROM jobs WHERE status = 'completed' AND result_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list result paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan result path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// --- Job Logs ---

func (s *SQLiteStore) AppendJobLog(ctx context.Context, jobID uuid.UUID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, created_at, message)
		 SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM jobs WHERE job_id = ?)`,
		jobID.String(), time.Now().UTC().UnixMicro(), message, jobID.String())
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, created_at, message FROM job_logs WHERE job_id = ? ORDER BY created_at, id`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.JobLog
	for rows.Next() {
		var (
			l       models.JobLog
			created int64
		)
		if err := rows.Scan(&l.ID, &l.JobID, &created, &l.Message); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		l.CreatedAt = time.UnixMicro(created).UTC()
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlRow) (*models.Job, error) {
	var (
		j                models.Job
		created, updated int64
	)
	err := row.Scan(&j.JobID, &j.FileID, &j.OriginalName, &j.Prompt, &j.Status,
		&j.ResultFilename, &j.ResultPath, &j.ResultSize, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMicro(created).UTC()
	j.UpdatedAt = time.UnixMicro(updated).UTC()
	return &j, nil
}

func isSQLiteConstraint(err error, code int) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == code
	}
	return false
}
