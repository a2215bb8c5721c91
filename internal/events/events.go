// Package events publishes job lifecycle notifications to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeJobQueued       = "job.queued"
	TypeJobProcessing   = "job.processing"
	TypeJobCompleted    = "job.completed"
	TypeJobFailed       = "job.failed"
	TypeJobRecordFailed = "job.record_failed"
)

// JobEvent is the payload published for every lifecycle transition.
type JobEvent struct {
	Type       string    `json:"type"`
	JobID      uuid.UUID `json:"job_id"`
	FileID     string    `json:"file_id"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	ResultSize *int64    `json:"result_size,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers job events. Publishing is fire-and-forget from the
// caller's point of view; a failed publish never affects job state.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close()
}

// NATSPublisher publishes JSON-encoded events on a single subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("changeanyfile"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject+"."+ev.Type, b)
}

// Close drains pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Ping reports whether the connection to the server is currently up.
func (p *NATSPublisher) Ping(_ context.Context) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

// Conn exposes the underlying connection, for subscribers.
func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

// Nop discards events. Used when NATS_URL is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close()                                  {}
