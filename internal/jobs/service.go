// Package jobs runs the job lifecycle: creation, background processing on a
// bounded worker pool, status queries and recovery after restarts.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
	"github.com/kiranshivaraju/changeanyfile/internal/cache"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

// InputLocator finds a stored upload by file id.
type InputLocator interface {
	LocateInput(fileID string) (string, error)
}

// Created is the snapshot returned right after a job is accepted.
type Created struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// JobView is a job with its result summary and ordered log messages.
type JobView struct {
	JobID        uuid.UUID         `json:"job_id"`
	FileID       string            `json:"file_id"`
	OriginalName string            `json:"original_name"`
	Prompt       string            `json:"prompt"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Result       *models.JobResult `json:"result"`
	Logs         []string          `json:"logs"`
}

// RecoverOptions controls a RecoverInterrupted pass.
type RecoverOptions struct {
	// Requeue resubmits queued jobs to the scheduler.
	Requeue bool

	// StaleAfter limits failing to processing jobs not updated for at least
	// this long. Zero fails every processing job not held by this process.
	StaleAfter time.Duration
}

// RecoveryReport summarises a RecoverInterrupted pass. Active counts jobs
// left alone because a worker may still own them.
type RecoveryReport struct {
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
	Pending  int `json:"pending"`
	Active   int `json:"active"`
}

// Service is the entry point for job operations.
type Service struct {
	store     store.Store
	trail     *Trail
	inputs    InputLocator
	scheduler *Scheduler
	notify    notifier
	metrics   *metrics.Metrics
}

// NewService wires a Service. scheduler may be nil for read-only tooling; in
// that case CreateJob fails with ErrSchedulerClosed.
func NewService(st store.Store, inputs InputLocator, sched *Scheduler, c cache.Cache, p events.Publisher, m *metrics.Metrics, statusTTL time.Duration) *Service {
	if m == nil {
		m = metrics.Discard()
	}
	return &Service{
		store:     st,
		trail:     NewTrail(st),
		inputs:    inputs,
		scheduler: sched,
		notify:    newNotifier(c, p, statusTTL),
		metrics:   m,
	}
}

// CreateJob validates the request, persists a queued job with its first log
// entry and hands it to the scheduler. The returned snapshot reflects the job
// as created, not as processed.
func (s *Service) CreateJob(ctx context.Context, fileID, prompt string) (*Created, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, ErrValidation
	}

	src, err := s.inputs.LocateInput(fileID)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrInputNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locate input: %w", err)
	}

	if s.scheduler == nil {
		return nil, ErrSchedulerClosed
	}
	ticket, err := s.scheduler.Reserve()
	if err != nil {
		return nil, err
	}
	defer ticket.Release()

	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		JobID:        uuid.New(),
		FileID:       fileID,
		OriginalName: artifact.OriginalName(src),
		Prompt:       strings.TrimSpace(prompt),
		Status:       models.JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.trail.Append(ctx, job.JobID, msgCreated); err != nil {
		return nil, err
	}

	created := &Created{JobID: job.JobID, Status: job.Status, CreatedAt: job.CreatedAt}
	s.notify.statusChanged(job, msgCreated)
	s.metrics.JobsCreated.Inc()

	if err := ticket.Submit(job.JobID); err != nil && !errors.Is(err, ErrAlreadyScheduled) {
		slog.Warn("job persisted but not scheduled, left queued for recovery", "job_id", job.JobID, "error", err)
	}

	slog.Info("job created", "job_id", job.JobID, "file_id", fileID)
	return created, nil
}

// GetJob returns the full view of a job, including its ordered log messages.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*JobView, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logs, err := s.trail.Messages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{
		JobID:        job.JobID,
		FileID:       job.FileID,
		OriginalName: job.OriginalName,
		Prompt:       job.Prompt,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Result:       job.Result(),
		Logs:         logs,
	}, nil
}

// GetJobLogs returns the job's log entries with timestamps, oldest first.
func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.trail.Entries(ctx, jobID)
}

// GetStatus answers from the status cache when possible.
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (string, error) {
	status, found, err := s.notify.cache.GetJobStatus(ctx, jobID)
	if err != nil {
		slog.Warn("status cache lookup failed", "job_id", jobID, "error", err)
	}
	if found {
		return status, nil
	}

	// No write-back on a miss: only transitions write the cache, so it can
	// never be set behind a newer status.
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// GetResultPath returns the path of a completed job's artifact.
func (s *Service) GetResultPath(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	res := job.Result()
	if res == nil {
		return "", ErrNotReady
	}
	if _, err := os.Stat(res.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Error("completed job has no artifact on disk", "job_id", jobID, "path", res.Path)
			return "", ErrMissingArtifact
		}
		return "", fmt.Errorf("stat result: %w", err)
	}
	return res.Path, nil
}

// RecoverInterrupted repairs jobs left behind by a dead process. Processing
// jobs are failed unless this process is running them or they were updated
// within opts.StaleAfter. Queued jobs are resubmitted when opts.Requeue is set
// and the scheduler has room; the rest stay queued and are counted as pending.
func (s *Service) RecoverInterrupted(ctx context.Context, opts RecoverOptions) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	cutoff := time.Now().UTC().Add(-opts.StaleAfter)

	stuck, err := s.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range stuck {
		if s.holds(job.JobID) || (opts.StaleAfter > 0 && job.UpdatedAt.After(cutoff)) {
			report.Active++
			continue
		}

		job.Status = models.JobStatusFailed
		job.ResultFilename, job.ResultPath, job.ResultSize = nil, nil, nil
		err := s.store.UpdateJob(ctx, job)
		if errors.Is(err, store.ErrInvalidTransition) {
			// Finished between the listing and the update.
			continue
		}
		if err != nil {
			return report, fmt.Errorf("fail interrupted job %s: %w", job.JobID, err)
		}
		if err := s.trail.Append(ctx, job.JobID, msgInterrupted); err != nil {
			slog.Warn("failed to append interruption log", "job_id", job.JobID, "error", err)
		}
		s.notify.statusChanged(job, msgInterrupted)
		s.metrics.JobsFinished.WithLabelValues(models.JobStatusFailed).Inc()
		report.Failed++
	}

	queued, err := s.store.ListJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return report, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		if !opts.Requeue || s.scheduler == nil {
			report.Pending++
			continue
		}
		if s.scheduler.Holds(job.JobID) {
			report.Active++
			continue
		}
		switch err := s.scheduler.Enqueue(job.JobID); {
		case err == nil:
			report.Requeued++
		case errors.Is(err, ErrAlreadyScheduled):
			report.Active++
		default:
			report.Pending++
		}
	}

	if report.Failed+report.Requeued > 0 {
		slog.Info("recovered interrupted jobs",
			"failed", report.Failed,
			"requeued", report.Requeued,
			"pending", report.Pending,
			"active", report.Active,
		)
	}
	return report, nil
}

// KeepRecovering repeats RecoverInterrupted every interval until ctx is done,
// so queued jobs that did not fit earlier are picked up once workers free up.
func (s *Service) KeepRecovering(ctx context.Context, interval time.Duration, opts RecoverOptions) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := s.RecoverInterrupted(ctx, opts); err != nil && ctx.Err() == nil {
			slog.Warn("periodic recovery failed", "error", err)
		}
	}
}

func (s *Service) holds(jobID uuid.UUID) bool {
	return s.scheduler != nil && s.scheduler.Holds(jobID)
}

func (s *Service) getJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}
