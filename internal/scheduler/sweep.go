package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/events"
)

// Sweep recovers expired leases on every known queue and forgets workers
// that stopped heartbeating. It returns the number of leases recovered.
// A failing queue does not stop the others from being swept.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	names, err := s.Queues(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queues: %w", err)
	}

	var (
		reaped int
		errs   []error
	)
	for _, name := range names {
		var ids []string
		err := s.withRetry(ctx, "reap", func(ctx context.Context) error {
			var err error
			ids, err = s.store.ReapExpiredLeases(ctx, name)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}

		for _, id := range ids {
			s.recordReap(ctx, name, id)
		}
		reaped += len(ids)
	}

	s.pruneWorkers()
	return reaped, errors.Join(errs...)
}

func (s *Scheduler) recordReap(ctx context.Context, queueName, jobID string) {
	s.metrics.LeasesReaped.WithLabelValues(queueName).Inc()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		job = &domain.Job{ID: jobID, Queue: queueName}
	}
	s.publish(ctx, events.LeaseReaped, job, "")
	if job.Status.IsTerminal() {
		s.recordOutcome(ctx, job, "")
		return
	}
	s.logger.Warn("Expired lease recovered",
		slog.String("job_id", jobID),
		slog.String("queue", queueName),
		slog.Int("attempts", job.Attempts),
	)
}

// Run sweeps every reap interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting lease sweep",
		slog.Duration("interval", s.reapInterval),
		slog.Duration("lease", s.lease),
	)

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lease sweep stopped")
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("Lease sweep failed", slog.Any("error", err))
			}
			if n > 0 {
				s.logger.Info("Lease sweep recovered jobs", slog.Int("count", n))
			}
		}
	}
}
