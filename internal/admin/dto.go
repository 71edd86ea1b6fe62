package admin

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
)

// CreateJobRequest is the body of POST /api/v1/jobs
type CreateJobRequest struct {
	Queue    string         `json:"queue" binding:"required"`
	Callable string         `json:"callable" binding:"required"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// JobDTO is the JSON view of a job
type JobDTO struct {
	JobID           string          `json:"job_id"`
	Queue           string          `json:"queue"`
	Callable        string          `json:"callable"`
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  string          `json:"lease_expires_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	FinishedAt      string          `json:"finished_at,omitempty"`
}

// WorkerDTO is the JSON view of a registered worker
type WorkerDTO struct {
	WorkerID     string `json:"worker_id"`
	RegisteredAt string `json:"registered_at"`
	LastSeen     string `json:"last_seen"`
	CurrentJob   string `json:"current_job,omitempty"`
}

func newJobDTO(job *domain.Job) JobDTO {
	dto := JobDTO{
		JobID:           job.ID,
		Queue:           job.Queue,
		Callable:        job.Callable,
		Status:          job.Status.String(),
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		LeaseOwner:      job.LeaseOwner,
		LeaseExpiresAt:  formatTime(job.LeaseExpiresAt),
		CancelRequested: job.CancelRequested,
		Error:           job.Error,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		FinishedAt:      formatTime(job.FinishedAt),
	}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		dto.Result = json.RawMessage(job.Result)
	}
	return dto
}

func newWorkerDTO(w domain.Worker) WorkerDTO {
	return WorkerDTO{
		WorkerID:     w.ID,
		RegisteredAt: formatTime(w.RegisteredAt),
		LastSeen:     formatTime(w.LastSeen),
		CurrentJob:   w.CurrentJob,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
