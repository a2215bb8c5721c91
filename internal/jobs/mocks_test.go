package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	logs      map[uuid.UUID][]*models.JobLog
	nextLogID int64
	history   map[uuid.UUID][]string

	createErr   error
	appendErr   func(message string) error
	updateErr   func(job *models.Job) error
	updateCalls map[string]int
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:        make(map[uuid.UUID]*models.Job),
		logs:        make(map[uuid.UUID][]*models.JobLog),
		history:     make(map[uuid.UUID][]string),
		updateCalls: make(map[string]int),
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }

func (s *mockStore) CreateJob(_ context.Context, job *models.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	s.jobs[job.JobID] = &cp
	s.history[job.JobID] = append(s.history[job.JobID], job.Status)
	return nil
}

func (s *mockStore) GetJob(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls[job.Status]++
	if s.updateErr != nil {
		if err := s.updateErr(job); err != nil {
			return err
		}
	}
	cur, ok := s.jobs[job.JobID]
	if !ok {
		return store.ErrNotFound
	}
	if models.IsTerminal(cur.Status) || (cur.Status != job.Status && !models.CanTransition(cur.Status, job.Status)) {
		return store.ErrInvalidTransition
	}
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	s.jobs[job.JobID] = &cp
	if cur.Status != job.Status {
		s.history[job.JobID] = append(s.history[job.JobID], job.Status)
	}
	return nil
}

func (s *mockStore) ListJobsByStatus(_ context.Context, status string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *mockStore) ListResultPaths(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, j := range s.jobs {
		if j.Status == models.JobStatusCompleted && j.ResultPath != nil {
			out = append(out, *j.ResultPath)
		}
	}
	return out, nil
}

func (s *mockStore) AppendJobLog(_ context.Context, jobID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		if err := s.appendErr(message); err != nil {
			return err
		}
	}
	if _, ok := s.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	s.nextLogID++
	s.logs[jobID] = append(s.logs[jobID], &models.JobLog{
		ID:        s.nextLogID,
		JobID:     jobID,
		CreatedAt: time.Now().UTC(),
		Message:   message,
	})
	return nil
}

func (s *mockStore) ListJobLogs(_ context.Context, jobID uuid.UUID) ([]*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.JobLog, len(s.logs[jobID]))
	copy(out, s.logs[jobID])
	return out, nil
}

func (s *mockStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *mockStore) status(jobID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.Status
	}
	return ""
}

func (s *mockStore) messages(jobID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.logs[jobID] {
		out = append(out, l.Message)
	}
	return out
}

func (s *mockStore) statusHistory(jobID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[jobID]...)
}

// put inserts a job directly, bypassing transition checks.
func (s *mockStore) put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	s.history[job.JobID] = append(s.history[job.JobID], job.Status)
}

type mockCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newMockCache() *mockCache {
	return &mockCache{statuses: make(map[uuid.UUID]string)}
}

func (c *mockCache) Ping(_ context.Context) error { return nil }
func (c *mockCache) Close() error                 { return nil }

func (c *mockCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *mockCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *mockPublisher) Publish(_ context.Context, ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *mockPublisher) Close() {}

func (p *mockPublisher) types(jobID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// gatedRunner holds every job until the gate is closed.
type gatedRunner struct {
	gate  chan struct{}
	inner Runner
}

func (g *gatedRunner) Process(ctx context.Context, jobID uuid.UUID) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return
	}
	g.inner.Process(ctx, jobID)
}

// --- fixtures ---

type fixture struct {
	store     *mockStore
	cache     *mockCache
	events    *mockPublisher
	metrics   *metrics.Metrics
	resolver  *artifact.Resolver
	processor *Processor
	uploadDir string
}

func testProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Timeout:        5 * time.Second,
		RecordAttempts: 3,
		RetryInterval:  time.Millisecond,
		StatusTTL:      time.Minute,
	}
}

func newFixture(t *testing.T, cfg ProcessorConfig) *fixture {
	t.Helper()
	base := t.TempDir()
	up := filepath.Join(base, "uploads")
	require.NoError(t, os.MkdirAll(up, 0o755))

	f := &fixture{
		store:     newMockStore(),
		cache:     newMockCache(),
		events:    &mockPublisher{},
		metrics:   metrics.Discard(),
		resolver:  artifact.NewResolver(up, filepath.Join(base, "processed")),
		uploadDir: up,
	}
	f.processor = NewProcessor(f.store, f.resolver, f.cache, f.events, f.metrics, cfg)
	return f
}

func (f *fixture) upload(t *testing.T, fileID, name, content string) string {
	t.Helper()
	p := filepath.Join(f.uploadDir, fileID+artifact.Separator+name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (f *fixture) queuedJob(fileID string) *models.Job {
	now := time.Now().UTC()
	job := &models.Job{
		JobID:        uuid.New(),
		FileID:       fileID,
		OriginalName: "photo.png",
		Status:       models.JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.store.put(job)
	return job
}
