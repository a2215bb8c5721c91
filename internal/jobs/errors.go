package jobs

import "errors"

var (
	ErrValidation      = errors.New("fileId is required")
	ErrJobNotFound     = errors.New("job not found")
	ErrInputNotFound   = errors.New("uploaded file not found")
	ErrNotReady        = errors.New("result not available yet")
	ErrMissingArtifact = errors.New("result file missing")

	// ErrQueueFull is returned when every worker is busy and the wait queue is full.
	ErrQueueFull       = errors.New("job queue is full")
	ErrSchedulerClosed = errors.New("scheduler is shut down")

	// ErrAlreadyScheduled is returned when a job is submitted twice to the same pool.
	ErrAlreadyScheduled = errors.New("job is already scheduled")
)
