// Package models contains shared data models used across the changeanyfile codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

var validTransitions = map[string][]string{
	JobStatusQueued:     {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job tracks one asynchronous file processing request. The API returns a job_id on
// POST /jobs; the client polls GET /jobs/{job_id} until status is completed or failed.
type Job struct {
	JobID          uuid.UUID `db:"job_id"          json:"job_id"`
	FileID         string    `db:"file_id"         json:"file_id"`
	OriginalName   string    `db:"original_name"   json:"original_name"`
	Prompt         string    `db:"prompt"          json:"prompt"`
	Status         string    `db:"status"          json:"status"`
	ResultFilename *string   `db:"result_filename" json:"-"`
	ResultPath     *string   `db:"result_path"     json:"-"`
	ResultSize     *int64    `db:"result_size"     json:"-"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// JobResult describes the processed artifact of a completed job.
type JobResult struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// Result returns the processed artifact summary, or nil unless the job completed
// with a recorded result path.
func (j *Job) Result() *JobResult {
	if j.Status != JobStatusCompleted || j.ResultPath == nil || *j.ResultPath == "" {
		return nil
	}
	res := &JobResult{Path: *j.ResultPath}
	if j.ResultFilename != nil {
		res.Filename = *j.ResultFilename
	}
	if j.ResultSize != nil {
		res.Size = *j.ResultSize
	}
	return res
}

// HasResult reports whether any result field is populated.
func (j *Job) HasResult() bool {
	return j.ResultFilename != nil || j.ResultPath != nil || j.ResultSize != nil
}

// JobLog is one immutable audit entry in a job's processing narrative.
// Entries for a job are ordered by CreatedAt, then ID.
type JobLog struct {
	ID        int64     `db:"id"         json:"-"`
	JobID     uuid.UUID `db:"job_id"     json:"job_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Message   string    `db:"message"    json:"message"`
}
