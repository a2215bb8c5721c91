package jobs

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Runner processes one job. *Processor satisfies it.
type Runner interface {
	Process(ctx context.Context, jobID uuid.UUID)
}

const defaultDrainGrace = 5 * time.Second

// Scheduler is a fixed pool of workers fed by a bounded queue. Callers reserve
// a slot before persisting a job so that a full pool rejects work up front
// instead of leaving rows that can never start.
type Scheduler struct {
	runner  Runner
	metrics *metrics.Metrics
	workers int

	slots *semaphore.Weighted
	queue chan uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	heldMu sync.Mutex
	held   map[uuid.UUID]struct{}

	drainGrace time.Duration
}

// NewScheduler starts workers goroutines. Up to workers+queueSize jobs may be
// reserved at once.
func NewScheduler(r Runner, workers, queueSize int, m *metrics.Metrics) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if m == nil {
		m = metrics.Discard()
	}
	capacity := workers + queueSize

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:     r,
		metrics:    m,
		workers:    workers,
		slots:      semaphore.NewWeighted(int64(capacity)),
		queue:      make(chan uuid.UUID, capacity),
		ctx:        ctx,
		cancel:     cancel,
		held:       make(map[uuid.UUID]struct{}),
		drainGrace: defaultDrainGrace,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.work(i + 1)
	}
	return s
}

func (s *Scheduler) work(workerID int) {
	defer s.wg.Done()
	slog.Debug("worker started", "worker_id", workerID)

	for jobID := range s.queue {
		if s.ctx.Err() != nil {
			// Cancelled during shutdown: leave the job queued for recovery.
			s.drop(jobID)
			s.slots.Release(1)
			continue
		}
		s.runOne(workerID, jobID)
		s.drop(jobID)
		s.slots.Release(1)
	}

	slog.Debug("worker stopped", "worker_id", workerID)
}

func (s *Scheduler) runOne(workerID int, jobID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in worker", "worker_id", workerID, "job_id", jobID, "error", r, "stack", string(debug.Stack()))
		}
	}()
	slog.Info("worker picked up job", "worker_id", workerID, "job_id", jobID)
	s.runner.Process(s.ctx, jobID)
}

// Ticket is a reserved slot. Exactly one of Submit or Release must be called.
type Ticket struct {
	s    *Scheduler
	once sync.Once
}

// Reserve claims a slot without blocking.
func (s *Scheduler) Reserve() (*Ticket, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSchedulerClosed
	}
	if !s.slots.TryAcquire(1) {
		s.metrics.QueueRejected.Inc()
		return nil, ErrQueueFull
	}
	return &Ticket{s: s}, nil
}

// Submit hands the job to the pool. It never blocks: the channel has room for
// every reserved slot. A job already waiting or running in this pool is
// rejected with ErrAlreadyScheduled and the slot is given back.
func (t *Ticket) Submit(jobID uuid.UUID) error {
	err := ErrSchedulerClosed
	t.once.Do(func() {
		t.s.mu.RLock()
		defer t.s.mu.RUnlock()
		if t.s.closed {
			t.s.slots.Release(1)
			return
		}
		if !t.s.hold(jobID) {
			t.s.slots.Release(1)
			err = ErrAlreadyScheduled
			return
		}
		t.s.queue <- jobID
		err = nil
	})
	return err
}

// Release gives the slot back without submitting. Safe to call after Submit.
func (t *Ticket) Release() {
	t.once.Do(func() { t.s.slots.Release(1) })
}

// Holds reports whether the job is waiting or running in this pool.
func (s *Scheduler) Holds(jobID uuid.UUID) bool {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	_, ok := s.held[jobID]
	return ok
}

func (s *Scheduler) hold(jobID uuid.UUID) bool {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	if _, ok := s.held[jobID]; ok {
		return false
	}
	s.held[jobID] = struct{}{}
	return true
}

func (s *Scheduler) drop(jobID uuid.UUID) {
	s.heldMu.Lock()
	delete(s.held, jobID)
	s.heldMu.Unlock()
}

// Enqueue reserves and submits in one step.
func (s *Scheduler) Enqueue(jobID uuid.UUID) error {
	t, err := s.Reserve()
	if err != nil {
		return err
	}
	return t.Submit(jobID)
}

// Shutdown stops accepting work and waits for queued and running jobs. When
// ctx expires first, running jobs are cancelled, jobs still waiting are left
// queued, and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		s.cancel()
		slog.Info("scheduler drained")
		return nil
	case <-ctx.Done():
	}

	slog.Warn("shutdown deadline reached, cancelling running jobs")
	s.cancel()
	select {
	case <-done:
	case <-time.After(s.drainGrace):
		slog.Error("workers did not stop after cancellation")
	}
	return ctx.Err()
}
