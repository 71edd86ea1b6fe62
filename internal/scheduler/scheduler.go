// Package scheduler owns the job lifecycle: submission, leasing, outcome
// reporting, lease recovery and worker liveness. One Scheduler is built per
// daemon and handed to the control listener, the worker pool, cron and the
// admin surface.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobq/internal/backoff"
	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/events"
	"github.com/cuongbtq/jobq/internal/metrics"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/cuongbtq/jobq/internal/registry"
)

// Defaults applied to zero Config fields
const (
	DefaultLeaseDuration      = 30 * time.Second
	DefaultMaxAttempts        = 3
	DefaultReapInterval       = 5 * time.Second
	DefaultWorkerTTL          = 90 * time.Second
	DefaultStoreRetryAttempts = 5
)

// Config holds the scheduler dependencies and tunables
type Config struct {
	Store    queue.Store
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   events.Publisher

	LeaseDuration time.Duration
	MaxAttempts   int
	ReapInterval  time.Duration
	WorkerTTL     time.Duration

	// StoreRetry spaces retries of store calls that failed with
	// domain.ErrStoreUnavailable; StoreRetryAttempts bounds the total tries
	StoreRetry         backoff.Strategy
	StoreRetryAttempts int

	Clock queue.Clock
}

// Scheduler coordinates the store, the registry and the workers
type Scheduler struct {
	store    queue.Store
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   events.Publisher

	lease         time.Duration
	maxAttempts   int
	reapInterval  time.Duration
	workerTTL     time.Duration
	retry         backoff.Strategy
	retryAttempts int
	now           queue.Clock

	workersMu sync.Mutex
	workers   map[string]*domain.Worker
}

// New builds a scheduler from cfg
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}

	s := &Scheduler{
		store:         cfg.Store,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		events:        cfg.Events,
		lease:         cfg.LeaseDuration,
		maxAttempts:   cfg.MaxAttempts,
		reapInterval:  cfg.ReapInterval,
		workerTTL:     cfg.WorkerTTL,
		retry:         cfg.StoreRetry,
		retryAttempts: cfg.StoreRetryAttempts,
		now:           cfg.Clock,
		workers:       make(map[string]*domain.Worker),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.lease <= 0 {
		s.lease = DefaultLeaseDuration
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.reapInterval <= 0 {
		s.reapInterval = DefaultReapInterval
	}
	if s.workerTTL <= 0 {
		s.workerTTL = DefaultWorkerTTL
	}
	if s.retry == nil {
		s.retry = backoff.NewJittered(50*time.Millisecond, 2*time.Second)
	}
	if s.retryAttempts <= 0 {
		s.retryAttempts = DefaultStoreRetryAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// LeaseDuration is the lease granted by Lease and ExtendLease
func (s *Scheduler) LeaseDuration() time.Duration {
	return s.lease
}

// Registry returns the handler registry jobs are resolved against
func (s *Scheduler) Registry() *registry.Registry {
	return s.registry
}

// Submit accepts an encoded payload for queueName. A payload that does not
// decode or names an unregistered callable is recorded as Failed straight
// away; the returned job reflects which way it went.
func (s *Scheduler) Submit(ctx context.Context, queueName string, payload []byte) (*domain.Job, error) {
	if err := domain.ValidateQueueName(queueName); err != nil {
		return nil, err
	}

	now := s.now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     append([]byte(nil), payload...),
		Status:      domain.StatusPending,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	rec, err := codec.Decode(payload)
	if err == nil {
		job.Callable = rec.Callable
		_, err = s.registry.Resolve(rec.Callable)
	}
	if err != nil {
		return s.reject(ctx, job, err)
	}

	if err := s.insert(ctx, "push", job, s.store.Push); err != nil {
		return nil, err
	}

	s.metrics.JobsEnqueued.WithLabelValues(queueName).Inc()
	s.publish(ctx, events.JobEnqueued, job, "")
	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", queueName),
		slog.String("callable", job.Callable),
	)
	return job.Clone(), nil
}

func (s *Scheduler) reject(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	job.Status = domain.StatusFailed
	job.Error = cause.Error()
	job.FinishedAt = job.CreatedAt

	if err := s.insert(ctx, "bury", job, s.store.Bury); err != nil {
		return nil, err
	}

	s.metrics.JobsRejected.WithLabelValues(job.Queue, rejectReason(cause)).Inc()
	s.publish(ctx, events.JobRejected, job, "")
	s.logger.Warn("Job rejected",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("error", job.Error),
	)
	return job.Clone(), nil
}

// insert retries write; a duplicate after a retried write means the first try landed
func (s *Scheduler) insert(ctx context.Context, op string, job *domain.Job, write func(context.Context, *domain.Job) error) error {
	tries := 0
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		tries++
		err := write(ctx, job)
		if tries > 1 && errors.Is(err, domain.ErrDuplicateJob) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func rejectReason(err error) string {
	var unknown *registry.UnknownJobError
	switch {
	case errors.As(err, &unknown):
		return "unknown_job"
	case errors.Is(err, codec.ErrUnknownVersion):
		return "unknown_version"
	default:
		return "codec"
	}
}

// Lease hands the head of queueName to workerID.
// Returns domain.ErrQueueEmpty when nothing is pending.
func (s *Scheduler) Lease(ctx context.Context, queueName, workerID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.withRetry(ctx, "pop_lease", func(ctx context.Context) error {
		var err error
		job, err = s.store.PopLease(ctx, queueName, workerID, s.lease)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Heartbeat(workerID, job.ID)
	s.metrics.JobsLeased.WithLabelValues(queueName).Inc()
	s.publish(ctx, events.JobLeased, job, workerID)
	s.logger.Debug("Job leased",
		slog.String("job_id", job.ID),
		slog.String("queue", queueName),
		slog.String("worker_id", workerID),
		slog.Int("attempts", job.Attempts),
	)
	return job, nil
}

// ExtendLease renews the lease workerID holds on jobID
func (s *Scheduler) ExtendLease(ctx context.Context, jobID, workerID string) error {
	err := s.withRetry(ctx, "extend_lease", func(ctx context.Context) error {
		return s.store.ExtendLease(ctx, jobID, workerID, s.lease)
	})
	if err == nil {
		s.Heartbeat(workerID, jobID)
	}
	return err
}

// Complete records a successful attempt. Completing a job that already
// reached a terminal status is a no-op.
func (s *Scheduler) Complete(ctx context.Context, jobID, workerID string, result []byte) error {
	job, err := s.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		s.logger.Debug("Duplicate completion ignored",
			slog.String("job_id", jobID),
			slog.String("status", job.Status.String()),
		)
		return nil
	}

	err = s.withRetry(ctx, "ack", func(ctx context.Context) error {
		return s.store.Ack(ctx, jobID, workerID, result)
	})
	s.Heartbeat(workerID, "")
	if err != nil {
		return err
	}

	job.Status = domain.StatusSucceeded
	s.metrics.JobsSucceeded.WithLabelValues(job.Queue).Inc()
	s.publish(ctx, events.JobSucceeded, job, workerID)
	s.logger.Info("Job succeeded",
		slog.String("job_id", jobID),
		slog.String("queue", job.Queue),
		slog.String("worker_id", workerID),
	)
	return nil
}

// Fail records a failed attempt. Permanent causes end the job as Failed;
// anything else consumes an attempt and requeues while attempts remain.
// It returns the status the job moved to.
func (s *Scheduler) Fail(ctx context.Context, jobID, workerID string, cause error) (domain.Status, error) {
	job, err := s.Status(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() {
		return job.Status, nil
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var status domain.Status
	if domain.IsPermanent(cause) {
		status = domain.StatusFailed
		err = s.withRetry(ctx, "fail", func(ctx context.Context) error {
			return s.store.Fail(ctx, jobID, workerID, reason)
		})
	} else {
		err = s.withRetry(ctx, "requeue_or_fail", func(ctx context.Context) error {
			var err error
			status, err = s.store.RequeueOrFail(ctx, jobID, workerID, reason)
			return err
		})
	}
	s.Heartbeat(workerID, "")
	if err != nil {
		if errors.Is(err, domain.ErrNotLeased) {
			s.logger.Error("Outcome reported for a job without a lease",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
		}
		return "", err
	}

	job.Status = status
	job.Error = reason
	s.recordOutcome(ctx, job, workerID)
	return status, nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, job *domain.Job, workerID string) {
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("status", job.Status.String()),
		slog.String("error", job.Error),
	}

	switch job.Status {
	case domain.StatusPending:
		s.metrics.JobsRequeued.WithLabelValues(job.Queue).Inc()
		s.publish(ctx, events.JobRequeued, job, workerID)
		s.logger.Warn("Job attempt failed, requeued", attrs...)
	case domain.StatusCancelled:
		s.metrics.JobsCancelled.WithLabelValues(job.Queue).Inc()
		s.publish(ctx, events.JobCancelled, job, workerID)
		s.logger.Info("Job cancelled after attempt", attrs...)
	default:
		s.metrics.JobsFailed.WithLabelValues(job.Queue).Inc()
		s.publish(ctx, events.JobFailed, job, workerID)
		s.logger.Warn("Job failed", attrs...)
	}
}

// Status returns a snapshot of jobID
func (s *Scheduler) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		job, err = s.store.Get(ctx, jobID)
		return err
	})
	return job, err
}

// Cancel removes a Pending job. A Leased job is flagged so its current
// attempt is its last, and domain.ErrJobLeased is returned.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.Status(ctx, jobID)
	if err != nil {
		return err
	}

	err = s.withRetry(ctx, "cancel", func(ctx context.Context) error {
		return s.store.Cancel(ctx, jobID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobLeased) {
			s.logger.Info("Cancel requested for leased job",
				slog.String("job_id", jobID),
				slog.String("worker_id", job.LeaseOwner),
			)
		}
		return err
	}

	job.Status = domain.StatusCancelled
	s.metrics.JobsCancelled.WithLabelValues(job.Queue).Inc()
	s.publish(ctx, events.JobCancelled, job, "")
	s.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("queue", job.Queue),
	)
	return nil
}

// Stats counts the jobs of queueName by status
func (s *Scheduler) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	var stats queue.Stats
	err := s.withRetry(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = s.store.Stats(ctx, queueName)
		return err
	})
	return stats, err
}

// AllStats returns Stats for every known queue
func (s *Scheduler) AllStats(ctx context.Context) ([]queue.Stats, error) {
	names, err := s.Queues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Stats, 0, len(names))
	for _, name := range names {
		stats, err := s.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// Queues lists the queues that have ever held a job
func (s *Scheduler) Queues(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withRetry(ctx, "queues", func(ctx context.Context) error {
		var err error
		names, err = s.store.Queues(ctx)
		return err
	})
	return names, err
}

// Ping checks the store
func (s *Scheduler) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Scheduler) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) || attempt >= s.retryAttempts {
			return err
		}

		delay := s.retry.Delay(attempt)
		s.metrics.StoreRetries.WithLabelValues(op).Inc()
		s.logger.Warn("Store operation failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if backoff.Sleep(ctx, delay) != nil {
			return err
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, typ events.Type, job *domain.Job, workerID string) {
	event := events.Event{
		Type:     typ,
		JobID:    job.ID,
		Queue:    job.Queue,
		Callable: job.Callable,
		Status:   job.Status.String(),
		Attempts: job.Attempts,
		WorkerID: workerID,
		Error:    job.Error,
		At:       s.now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug("Failed to publish event",
			slog.String("type", string(typ)),
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
