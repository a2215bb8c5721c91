package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
	"github.com/kiranshivaraju/changeanyfile/internal/cache"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

// Artifacts is the part of the artifact resolver the processor drives.
type Artifacts interface {
	LocateInput(fileID string) (string, error)
	DeriveOutputName(inputPath string) string
	Materialize(ctx context.Context, inputPath, outputName string, req artifact.Request) (string, int64, error)
}

// ProcessorConfig tunes a Processor. Zero delays disable the pauses.
type ProcessorConfig struct {
	Timeout        time.Duration
	CopyDelay      time.Duration
	FinalizeDelay  time.Duration
	RecordAttempts int
	RetryInterval  time.Duration
	StatusTTL      time.Duration
}

// Processor drives a single job from queued to a terminal status.
type Processor struct {
	store     store.Store
	trail     *Trail
	artifacts Artifacts
	notify    notifier
	metrics   *metrics.Metrics
	cfg       ProcessorConfig
}

// NewProcessor wires a Processor. RecordAttempts below one is raised to one
// and a zero RetryInterval defaults to 200ms.
func NewProcessor(st store.Store, a Artifacts, c cache.Cache, p events.Publisher, m *metrics.Metrics, cfg ProcessorConfig) *Processor {
	if cfg.RecordAttempts < 1 {
		cfg.RecordAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Processor{
		store:     st,
		trail:     NewTrail(st),
		artifacts: a,
		notify:    newNotifier(c, p, cfg.StatusTTL),
		metrics:   m,
		cfg:       cfg,
	}
}

// Process runs the job to completion or failure. It never returns an error:
// every fault after the job starts is converted into a failed status.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("job not found, skipping", "job_id", jobID)
		return
	}
	if err != nil {
		slog.Error("failed to load job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != models.JobStatusQueued {
		slog.Warn("job is not queued, skipping", "job_id", jobID, "status", job.Status)
		return
	}

	job.Status = models.JobStatusProcessing
	if err := p.store.UpdateJob(ctx, job); err != nil {
		// Nothing was persisted; the job stays queued for the next recovery pass.
		slog.Error("failed to mark job processing", "job_id", jobID, "error", err)
		return
	}
	p.notify.statusChanged(job, msgWorkerStarted)

	start := time.Now()
	p.metrics.JobsInFlight.Inc()
	defer func() {
		p.metrics.JobsInFlight.Dec()
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job processing", "job_id", jobID, "error", r, "stack", string(debug.Stack()))
			p.fail(job, fmt.Sprintf(msgFailedPattern, r))
		}
	}()

	if err := p.run(ctx, job); err != nil {
		msg := p.failureMessage(ctx, err)
		slog.Warn("job failed", "job_id", jobID, "file_id", job.FileID, "error", err)
		p.fail(job, msg)
		return
	}

	slog.Info("job completed", "job_id", jobID, "file_id", job.FileID, "result_size", *job.ResultSize)
}

// run executes the steps after the job has been marked processing. A nil
// return means the completed status was persisted.
func (p *Processor) run(ctx context.Context, job *models.Job) error {
	if err := p.trail.Append(ctx, job.JobID, msgWorkerStarted); err != nil {
		return err
	}

	src, err := p.artifacts.LocateInput(job.FileID)
	if err != nil {
		return err
	}

	outName := p.artifacts.DeriveOutputName(src)
	if err := p.trail.Append(ctx, job.JobID, fmt.Sprintf(msgCopyingPattern, filepath.Base(src), outName)); err != nil {
		return err
	}

	if err := pause(ctx, p.cfg.CopyDelay); err != nil {
		return err
	}

	path, size, err := p.artifacts.Materialize(ctx, src, outName, artifact.Request{JobID: job.JobID, Prompt: job.Prompt})
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	if err := p.trail.Append(ctx, job.JobID, msgCopied); err != nil {
		return err
	}

	if err := pause(ctx, p.cfg.FinalizeDelay); err != nil {
		return err
	}

	job.Status = models.JobStatusCompleted
	job.ResultFilename = &outName
	job.ResultPath = &path
	job.ResultSize = &size
	if err := p.store.UpdateJob(ctx, job); err != nil {
		job.Status = models.JobStatusProcessing
		job.ResultFilename, job.ResultPath, job.ResultSize = nil, nil, nil
		return fmt.Errorf("mark completed: %w", err)
	}
	p.notify.statusChanged(job, msgCompleted)
	p.metrics.JobsFinished.WithLabelValues(models.JobStatusCompleted).Inc()

	// The job is terminal now; a lost final log line must not turn it into a failure.
	if err := p.trail.Append(context.WithoutCancel(ctx), job.JobID, msgCompleted); err != nil {
		slog.Warn("failed to append completion log", "job_id", job.JobID, "error", err)
	}
	return nil
}

func (p *Processor) failureMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return msgInputMissing
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf(msgTimeoutPattern, p.cfg.Timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return msgCancelled
	default:
		return fmt.Sprintf(msgFailedPattern, err)
	}
}

// fail records message in the trail and moves the job to failed. Both writes
// run on a fresh context and are retried with backoff. When the status still
// cannot be recorded the loss is logged and counted. A job that is already
// terminal is left untouched.
func (p *Processor) fail(job *models.Job, message string) {
	ctx := context.Background()

	if current, err := p.store.GetJob(ctx, job.JobID); err == nil && models.IsTerminal(current.Status) {
		slog.Warn("job already finished, dropping failure",
			"job_id", job.JobID,
			"status", current.Status,
			"reason", message,
		)
		return
	}

	err := p.retry(func() error {
		err := p.trail.Append(ctx, job.JobID, message)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		slog.Warn("failed to append failure log", "job_id", job.JobID, "error", err)
	}

	job.Status = models.JobStatusFailed
	job.ResultFilename, job.ResultPath, job.ResultSize = nil, nil, nil
	err = p.retry(func() error {
		err := p.store.UpdateJob(ctx, job)
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		slog.Error("failed to record job failure",
			"job_id", job.JobID,
			"attempts", p.cfg.RecordAttempts,
			"error", err,
		)
		p.metrics.FailureRecordErrors.Inc()
		p.notify.publish(events.TypeJobRecordFailed, job, message)
		return
	}

	p.notify.statusChanged(job, message)
	p.metrics.JobsFinished.WithLabelValues(models.JobStatusFailed).Inc()
}

func (p *Processor) retry(op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	b.MaxInterval = 5 * p.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithMaxRetries(b, uint64(p.cfg.RecordAttempts-1)))
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
