package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrInvalidResult = errors.New("job result fields must be set if and only if status is completed")

// Store is the data access interface. All database operations go through here.
// Each call acquires and releases its own connection; implementations must be safe
// for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	// UpdateJob replaces the mutable fields of a job (status, result fields) and
	// refreshes job.UpdatedAt. Status may only move forward along the lifecycle.
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error)
	ListResultPaths(ctx context.Context) ([]string, error)

	AppendJobLog(ctx context.Context, jobID uuid.UUID, message string) error
	// ListJobLogs returns a job's log entries, oldest first.
	ListJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error)
}

// checkUpdate validates a job update against the currently persisted status.
func checkUpdate(current string, job *models.Job) error {
	if models.IsTerminal(current) || (current != job.Status && !models.CanTransition(current, job.Status)) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, job.Status)
	}

	complete := job.ResultFilename != nil && job.ResultPath != nil && job.ResultSize != nil
	if job.Status == models.JobStatusCompleted && !complete {
		return ErrInvalidResult
	}
	if job.Status != models.JobStatusCompleted && job.HasResult() {
		return ErrInvalidResult
	}
	return nil
}
