package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/changeanyfile/internal/api/response"
	"github.com/kiranshivaraju/changeanyfile/internal/jobs"
	"github.com/kiranshivaraju/changeanyfile/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, fileID, prompt string) (*jobs.Created, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*jobs.JobView, error)
	GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]*models.JobLog, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (string, error)
	GetResultPath(ctx context.Context, jobID uuid.UUID) (string, error)
}

const (
	maxCreateBody  = 64 << 10
	queueFullRetry = 5 * time.Second
)

// NewCreateJobHandler returns an http.HandlerFunc for POST /jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileID string `json:"file_id"`
			// fileId is accepted for older clients.
			LegacyFileID string `json:"fileId"`
			Prompt       string `json:"prompt"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxCreateBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		fileID := req.FileID
		if fileID == "" {
			fileID = req.LegacyFileID
		}

		created, err := svc.CreateJob(r.Context(), fileID, req.Prompt)
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrValidation):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "fileId is required", nil)
			case errors.Is(err, jobs.ErrInputNotFound):
				response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "Uploaded file not found", nil)
			case errors.Is(err, jobs.ErrQueueFull):
				response.RetryLater(w, http.StatusServiceUnavailable, queueFullRetry, "QUEUE_FULL",
					"Too many jobs in progress, try again shortly")
			case errors.Is(err, jobs.ErrSchedulerClosed):
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
					"Server is shutting down", nil)
			default:
				internalError(w, r, err)
			}
			return
		}

		response.Accepted(w, created)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := svc.GetJob(r.Context(), jobID)
		if err != nil {
			jobError(w, r, err)
			return
		}
		if view.Logs == nil {
			view.Logs = []string{}
		}
		response.JSON(w, view)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		status, err := svc.GetStatus(r.Context(), jobID)
		if err != nil {
			jobError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id": jobID,
			"status": status,
		})
	}
}

type logEntry struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJobLogsHandler returns an http.HandlerFunc for GET /jobs/{jobID}/logs.
func NewJobLogsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		logs, err := svc.GetJobLogs(r.Context(), jobID)
		if err != nil {
			jobError(w, r, err)
			return
		}
		out := make([]logEntry, 0, len(logs))
		for _, l := range logs {
			out = append(out, logEntry{Message: l.Message, CreatedAt: l.CreatedAt})
		}
		response.JSON(w, out)
	}
}

// NewDownloadHandler returns an http.HandlerFunc for GET /download/result/{jobID}.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		path, err := svc.GetResultPath(r.Context(), jobID)
		if err != nil {
			jobError(w, r, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				jobError(w, r, jobs.ErrMissingArtifact)
				return
			}
			internalError(w, r, err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			internalError(w, r, err)
			return
		}

		name := filepath.Base(path)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Job ID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return jobID, true
}

func jobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrNotReady):
		response.Error(w, http.StatusConflict, "RESULT_NOT_READY", "Result not available yet", nil)
	case errors.Is(err, jobs.ErrMissingArtifact):
		response.Error(w, http.StatusInternalServerError, "RESULT_MISSING", "Result file missing", nil)
	default:
		internalError(w, r, err)
	}
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	response.InternalError(w)
}
