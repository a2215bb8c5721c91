package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/changeanyfile/internal/cache"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

const notifyTimeout = 2 * time.Second

// notifier mirrors status changes into the status cache and the event bus.
// Neither is authoritative, so failures are logged and dropped.
type notifier struct {
	cache  cache.Cache
	events events.Publisher
	ttl    time.Duration
}

func newNotifier(c cache.Cache, p events.Publisher, ttl time.Duration) notifier {
	if c == nil {
		c = cache.Nop{}
	}
	if p == nil {
		p = events.Nop{}
	}
	return notifier{cache: c, events: p, ttl: ttl}
}

func (n notifier) statusChanged(job *models.Job, message string) {
	n.publish(eventType(job.Status), job, message)

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.cache.SetJobStatus(ctx, job.JobID, job.Status, n.ttl); err != nil {
		slog.Warn("failed to cache job status", "job_id", job.JobID, "status", job.Status, "error", err)
	}
}

func (n notifier) publish(typ string, job *models.Job, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	ev := events.JobEvent{
		Type:       typ,
		JobID:      job.JobID,
		FileID:     job.FileID,
		Status:     job.Status,
		Message:    message,
		ResultSize: job.ResultSize,
		OccurredAt: time.Now().UTC(),
	}
	if err := n.events.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish job event", "job_id", job.JobID, "type", typ, "error", err)
	}
}

func eventType(status string) string {
	switch status {
	case models.JobStatusQueued:
		return events.TypeJobQueued
	case models.JobStatusProcessing:
		return events.TypeJobProcessing
	case models.JobStatusCompleted:
		return events.TypeJobCompleted
	default:
		return events.TypeJobFailed
	}
}
