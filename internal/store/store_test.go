package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// migrationsDir returns the absolute path to the migrations directory for a driver.
func migrationsDir(driver string) string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations", driver)
}

func newJob(fileID string) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		JobID:        uuid.New(),
		FileID:       fileID,
		OriginalName: "photo.png",
		Prompt:       "enhance colors",
		Status:       models.JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")

		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, got.JobID)
		assert.Equal(t, "file-1", got.FileID)
		assert.Equal(t, "photo.png", got.OriginalName)
		assert.Equal(t, "enhance colors", got.Prompt)
		assert.Equal(t, models.JobStatusQueued, got.Status)
		assert.Nil(t, got.ResultFilename)
		assert.Nil(t, got.ResultPath)
		assert.Nil(t, got.ResultSize)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DuplicateJobID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		dup := newJob("file-2")
		dup.JobID = job.JobID
		assert.ErrorIs(t, s.CreateJob(ctx, dup), store.ErrDuplicateKey)
	})

	t.Run("UpdateThroughLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		job.Status = models.JobStatusProcessing
		require.NoError(t, s.UpdateJob(ctx, job))

		job.Status = models.JobStatusCompleted
		job.ResultFilename = strPtr("file-1--photo-processed.png")
		job.ResultPath = strPtr("/data/processed/file-1--photo-processed.png")
		job.ResultSize = int64Ptr(1024)
		require.NoError(t, s.UpdateJob(ctx, job))

		got, err := s.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result())
		assert.Equal(t, "file-1--photo-processed.png", got.Result().Filename)
		assert.Equal(t, int64(1024), got.Result().Size)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("RejectsSkippedState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		job.Status = models.JobStatusFailed
		assert.ErrorIs(t, s.UpdateJob(ctx, job), store.ErrInvalidTransition)
	})

	t.Run("RejectsRegressionFromTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		job.Status = models.JobStatusProcessing
		require.NoError(t, s.UpdateJob(ctx, job))
		job.Status = models.JobStatusFailed
		require.NoError(t, s.UpdateJob(ctx, job))

		job.Status = models.JobStatusProcessing
		assert.ErrorIs(t, s.UpdateJob(ctx, job), store.ErrInvalidTransition)
		job.Status = models.JobStatusFailed
		assert.ErrorIs(t, s.UpdateJob(ctx, job), store.ErrInvalidTransition)

		got, err := s.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
	})

	t.Run("RejectsResultWithoutCompletion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		job.Status = models.JobStatusProcessing
		job.ResultPath = strPtr("/tmp/out")
		assert.ErrorIs(t, s.UpdateJob(ctx, job), store.ErrInvalidResult)

		job.ResultPath = nil
		require.NoError(t, s.UpdateJob(ctx, job))

		job.Status = models.JobStatusCompleted
		assert.ErrorIs(t, s.UpdateJob(ctx, job), store.ErrInvalidResult)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		job := newJob("file-1")
		job.Status = models.JobStatusProcessing
		assert.ErrorIs(t, s.UpdateJob(context.Background(), job), store.ErrNotFound)
	})

	t.Run("LogsOrderedOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendJobLog(ctx, job.JobID, fmt.Sprintf("entry %d", i)))
		}

		logs, err := s.ListJobLogs(ctx, job.JobID)
		require.NoError(t, err)
		require.Len(t, logs, 5)
		for i, l := range logs {
			assert.Equal(t, fmt.Sprintf("entry %d", i), l.Message)
			assert.Equal(t, job.JobID, l.JobID)
			if i > 0 {
				assert.False(t, l.CreatedAt.Before(logs[i-1].CreatedAt))
			}
		}
	})

	t.Run("LogsIsolatedPerJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := newJob("a"), newJob("b")
		require.NoError(t, s.CreateJob(ctx, a))
		require.NoError(t, s.CreateJob(ctx, b))
		require.NoError(t, s.AppendJobLog(ctx, a.JobID, "for a"))
		require.NoError(t, s.AppendJobLog(ctx, b.JobID, "for b"))

		logs, err := s.ListJobLogs(ctx, a.JobID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "for a", logs[0].Message)
	})

	t.Run("AppendLogUnknownJob", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendJobLog(context.Background(), uuid.New(), "orphan")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListLogsEmpty", func(t *testing.T) {
		s := newStore(t)
		logs, err := s.ListJobLogs(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("ListJobsByStatusAndResultPaths", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		queued := newJob("q")
		require.NoError(t, s.CreateJob(ctx, queued))

		done := newJob("d")
		require.NoError(t, s.CreateJob(ctx, done))
		done.Status = models.JobStatusProcessing
		require.NoError(t, s.UpdateJob(ctx, done))
		done.Status = models.JobStatusCompleted
		done.ResultFilename = strPtr("d--photo-processed.png")
		done.ResultPath = strPtr("/out/d--photo-processed.png")
		done.ResultSize = int64Ptr(3)
		require.NoError(t, s.UpdateJob(ctx, done))

		jobs, err := s.ListJobsByStatus(ctx, models.JobStatusQueued)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, queued.JobID, jobs[0].JobID)

		paths, err := s.ListResultPaths(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/out/d--photo-processed.png"}, paths)
	})

	t.Run("ConcurrentLogAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("file-1")
		require.NoError(t, s.CreateJob(ctx, job))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.AppendJobLog(ctx, job.JobID, fmt.Sprintf("c%d", i)))
			}(i)
		}
		wg.Wait()

		logs, err := s.ListJobLogs(ctx, job.JobID)
		require.NoError(t, err)
		assert.Len(t, logs, 20)
	})
}
