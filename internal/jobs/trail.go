package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

// Log trail messages.
const (
	msgCreated        = "Job created and queued."
	msgWorkerStarted  = "Worker started processing (async)."
	msgInputMissing   = "Uploaded file not found on disk."
	msgCopied         = "File copied to processed folder."
	msgCompleted      = "Processing completed successfully."
	msgCancelled      = "Processing cancelled."
	msgInterrupted    = "Processing interrupted by service restart."
	msgCopyingPattern = "Copying %s -> %s"
	msgTimeoutPattern = "Processing timed out after %s."
	msgFailedPattern  = "Processing failed: %v"
)

// Trail is the append-only audit log of a job.
type Trail struct {
	store store.Store
}

func NewTrail(s store.Store) *Trail {
	return &Trail{store: s}
}

func (t *Trail) Append(ctx context.Context, jobID uuid.UUID, message string) error {
	if err := t.store.AppendJobLog(ctx, jobID, message); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// Entries returns the job's log entries, oldest first.
func (t *Trail) Entries(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	entries, err := t.store.ListJobLogs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	return entries, nil
}

// Messages returns only the message text of each entry, oldest first.
func (t *Trail) Messages(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	entries, err := t.Entries(ctx, jobID)
	if err != nil {
		return nil, err
	}
	msgs := make([]string, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	return msgs, nil
}
