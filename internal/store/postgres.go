package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

const jobColumns = `job_id, file_id, original_name, prompt, status, result_filename, result_path, result_size, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, file_id, original_name, prompt, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.JobID, job.FileID, job.OriginalName, job.Prompt, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`, job.JobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if err := checkUpdate(current, job); err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, result_filename = $3, result_path = $4, result_size = $5, updated_at = $6
		 WHERE job_id = $1`,
		job.JobID, job.Status, job.ResultFilename, job.ResultPath, job.ResultSize, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListResultPaths(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) AppendJobLog(ctx context.Context, jobID uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_logs (job_id, created_at, message) VALUES ($1, $2, $3)`,
		jobID, time.Now().UTC(), message)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, created_at, message FROM job_logs WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.CreatedAt, &l.Message); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.JobID, &j.FileID, &j.OriginalName, &j.Prompt, &j.Status,
		&j.ResultFilename, &j.ResultPath, &j.ResultSize, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
