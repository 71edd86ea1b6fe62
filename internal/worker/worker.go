// Package worker runs registered handlers for leased jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobq/internal/backoff"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/metrics"
	"github.com/cuongbtq/jobq/internal/registry"
)

// ErrHandlerPanic wraps the value recovered from a panicking handler
var ErrHandlerPanic = errors.New("handler panicked")

// Scheduler is the part of the scheduler the pool drives
type Scheduler interface {
	Lease(ctx context.Context, queue, workerID string) (*domain.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, result []byte) error
	Fail(ctx context.Context, jobID, workerID string, cause error) (domain.Status, error)
	RegisterWorker(id string)
	DeregisterWorker(id string)
	LeaseDuration() time.Duration
}

// Config holds worker pool configuration
type Config struct {
	Logger    *slog.Logger
	Scheduler Scheduler
	Registry  *registry.Registry
	Metrics   *metrics.Metrics

	// ID prefixes the worker ids; a random one is generated when empty
	ID                string
	Queues            []string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	PollInitial       time.Duration
	PollMax           time.Duration
	ReportTimeout     time.Duration
}

// Pool is a fixed set of goroutines leasing and executing jobs
type Pool struct {
	logger    *slog.Logger
	scheduler Scheduler
	registry  *registry.Registry
	metrics   *metrics.Metrics

	id                string
	queues            []string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	poll              backoff.Strategy
	reportTimeout     time.Duration

	wg        sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once

	// runCtx parents every handler context; cancelled when Stop runs out of time
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewPool creates a worker pool
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Scheduler == nil || cfg.Registry == nil {
		return nil, errors.New("worker: scheduler and registry are required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("worker: at least one queue is required")
	}
	for _, q := range cfg.Queues {
		if err := domain.ValidateQueueName(q); err != nil {
			return nil, fmt.Errorf("worker: queue %q: %w", q, err)
		}
	}

	p := &Pool{
		logger:            cfg.Logger,
		scheduler:         cfg.Scheduler,
		registry:          cfg.Registry,
		metrics:           cfg.Metrics,
		id:                cfg.ID,
		queues:            append([]string(nil), cfg.Queues...),
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		reportTimeout:     cfg.ReportTimeout,
		stopChan:          make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewUnregistered()
	}
	if p.id == "" {
		p.id = "worker-" + uuid.NewString()[:8]
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = 5 * time.Minute
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = cfg.Scheduler.LeaseDuration() / 3
	}
	if p.reportTimeout <= 0 {
		p.reportTimeout = 5 * time.Second
	}

	pollInitial, pollMax := cfg.PollInitial, cfg.PollMax
	if pollInitial <= 0 {
		pollInitial = 50 * time.Millisecond
	}
	if pollMax < pollInitial {
		pollMax = max(pollInitial, time.Second)
	}
	p.poll = backoff.NewJittered(pollInitial, pollMax)

	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	return p, nil
}

// ID returns the pool id
func (p *Pool) ID() string {
	return p.id
}

// Start spawns the worker goroutines. They stop leasing when ctx is done
// or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("Starting worker pool",
		slog.String("pool_id", p.id),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
		slog.Duration("job_timeout", p.jobTimeout),
		slog.Duration("heartbeat_interval", p.heartbeatInterval),
	)

	p.startOnce.Do(func() { p.spawnWorkerPool(ctx) })
	return nil
}

// Stop stops leasing and waits for in-flight jobs. When ctx ends first the
// running handlers are cancelled and their attempts reported as failed.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info("Stopping worker pool...", slog.String("pool_id", p.id))
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		p.logger.Info("Worker pool stopped", slog.String("pool_id", p.id))
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("Shutdown deadline reached, cancelling in-flight jobs",
		slog.String("pool_id", p.id),
	)
	p.cancelRun()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", slog.String("pool_id", p.id))
		return nil
	case <-time.After(p.reportTimeout):
		return fmt.Errorf("worker pool did not stop: %w", ctx.Err())
	}
}
