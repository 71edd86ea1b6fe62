package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
)

// Scheduler is the part of the scheduler the admin surface reads and drives
type Scheduler interface {
	Submit(ctx context.Context, queue string, payload []byte) (*domain.Job, error)
	Status(ctx context.Context, jobID string) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	AllStats(ctx context.Context) ([]queue.Stats, error)
	Ping(ctx context.Context) error
	Workers() []domain.Worker
}

// Handler serves the admin API
type Handler struct {
	logger    *slog.Logger
	scheduler Scheduler
}

// NewHandler creates a new Handler instance
func NewHandler(deps *Dependencies) *Handler {
	return &Handler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if err := h.scheduler.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "jobqd",
	})
}

// CreateJob handles POST /api/v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	payload, err := codec.Encode(codec.Record{Callable: req.Callable, Args: req.Args, Kwargs: req.Kwargs})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.scheduler.Submit(c.Request.Context(), req.Queue, payload)
	if err != nil {
		h.respondError(c, "Failed to create job", err)
		return
	}

	status := http.StatusCreated
	if job.Status == domain.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, newJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.scheduler.Status(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, newJobDTO(job))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.scheduler.Cancel(c.Request.Context(), jobID); err != nil {
		h.respondError(c, "Failed to cancel job", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": domain.StatusCancelled.String(),
	})
}

// ListQueues handles GET /api/v1/queues
func (h *Handler) ListQueues(c *gin.Context) {
	stats, err := h.scheduler.AllStats(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list queues", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

// GetQueue handles GET /api/v1/queues/:queue
func (h *Handler) GetQueue(c *gin.Context) {
	name := c.Param("queue")
	if err := domain.ValidateQueueName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.scheduler.Stats(c.Request.Context(), name)
	if err != nil {
		h.respondError(c, "Failed to get queue", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListWorkers handles GET /api/v1/workers
func (h *Handler) ListWorkers(c *gin.Context) {
	workers := h.scheduler.Workers()
	out := make([]WorkerDTO, len(workers))
	for i, w := range workers {
		out[i] = newWorkerDTO(w)
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

// jobID validates the :job_id path parameter (UUID)
func (h *Handler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrJobLeased), errors.Is(err, domain.ErrJobTerminal):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidQueue):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
