package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/registry"
)

// processJob runs one leased job and reports its outcome
func (p *Pool) processJob(workerID string, job *domain.Job) {
	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("callable", job.Callable),
		slog.String("worker_id", workerID),
	)
	logger.Info("Processing job", slog.Int("attempt", job.Attempts+1))

	result, err := p.execute(workerID, job)

	// outcomes are reported even when the pool is being torn down
	ctx, cancel := context.WithTimeout(context.Background(), p.reportTimeout)
	defer cancel()

	if err == nil {
		if cerr := p.scheduler.Complete(ctx, job.ID, workerID, result); cerr != nil {
			p.logReportError(logger, cerr)
			return
		}
		logger.Info("Job completed successfully")
		return
	}

	status, ferr := p.scheduler.Fail(ctx, job.ID, workerID, err)
	if ferr != nil {
		p.logReportError(logger, ferr)
		return
	}
	logger.Warn("Job execution failed",
		slog.String("error", err.Error()),
		slog.Bool("permanent", domain.IsPermanent(err)),
		slog.String("status", status.String()),
	)
}

func (p *Pool) logReportError(logger *slog.Logger, err error) {
	if errors.Is(err, domain.ErrLeaseExpired) {
		logger.Warn("Lease lost before the outcome was reported", slog.Any("error", err))
		return
	}
	logger.Error("Failed to report job outcome", slog.Any("error", err))
}

// execute resolves, decodes and runs the job, returning its JSON result
func (p *Pool) execute(workerID string, job *domain.Job) ([]byte, error) {
	handler, err := p.registry.Resolve(job.Callable)
	if err != nil {
		return nil, err
	}
	rec, err := codec.Decode(job.Payload)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithTimeout(p.runCtx, p.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.sendJobHeartbeat(jobCtx, cancel, job.ID, workerID, heartbeatDone)
	defer close(heartbeatDone)

	p.metrics.JobsInFlight.Inc()
	start := time.Now()
	value, err := invoke(jobCtx, handler, registry.Call{
		JobID:   job.ID,
		Queue:   job.Queue,
		Attempt: job.Attempts + 1,
		Args:    rec.Args,
		Kwargs:  rec.Kwargs,
	})
	p.metrics.JobDuration.WithLabelValues(job.Callable).Observe(time.Since(start).Seconds())
	p.metrics.JobsInFlight.Dec()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("job timed out after %s: %w", p.jobTimeout, err)
		}
		return nil, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to marshal result: %w", err))
	}
	return encoded, nil
}

// invoke calls handler, turning a panic into a retryable error
func invoke(ctx context.Context, handler registry.Handler, call registry.Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, call)
}

// sendJobHeartbeat extends the lease until done is closed. Losing the lease
// cancels the job.
func (p *Pool) sendJobHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID, workerID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.scheduler.ExtendLease(ctx, jobID, workerID)
			switch {
			case err == nil:
				p.logger.Debug("Job lease extended", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrLeaseExpired), errors.Is(err, domain.ErrJobNotFound):
				p.logger.Warn("Job lease lost, cancelling execution",
					slog.String("job_id", jobID),
					slog.String("worker_id", workerID),
				)
				cancel()
				return
			default:
				p.logger.Warn("Failed to extend job lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
