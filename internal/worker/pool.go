package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
)

// spawnWorkerPool spawns one goroutine per unit of concurrency
func (p *Pool) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		p.scheduler.RegisterWorker(workerID)

		p.wg.Add(1)
		go p.workerLoop(ctx, workerID, i)
	}

	p.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", p.concurrency),
	)
}

// workerLoop leases and processes jobs until the pool stops
func (p *Pool) workerLoop(ctx context.Context, workerID string, workerNum int) {
	defer p.wg.Done()
	defer p.scheduler.DeregisterWorker(workerID)

	p.logger.Debug("Worker goroutine started", slog.String("worker_id", workerID))

	// stagger the starting queue so workers do not all hit the same one first
	next := workerNum % len(p.queues)
	idle := 0

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("Worker goroutine stopping - pool stopped", slog.String("worker_id", workerID))
			return
		case <-ctx.Done():
			p.logger.Debug("Worker goroutine stopping - context canceled", slog.String("worker_id", workerID))
			return
		default:
		}

		job, err := p.leaseNext(ctx, workerID, &next)
		if err != nil {
			if !errors.Is(err, domain.ErrQueueEmpty) && ctx.Err() == nil {
				p.logger.Error("Failed to lease job",
					slog.String("worker_id", workerID),
					slog.Any("error", err),
				)
			}
			idle++
			if !p.wait(ctx, p.poll.Delay(idle)) {
				return
			}
			continue
		}

		idle = 0
		p.processJob(workerID, job)
	}
}

// leaseNext tries every queue once, round-robin from *next
func (p *Pool) leaseNext(ctx context.Context, workerID string, next *int) (*domain.Job, error) {
	n := len(p.queues)
	for i := 0; i < n; i++ {
		idx := (*next + i) % n
		job, err := p.scheduler.Lease(ctx, p.queues[idx], workerID)
		if err == nil {
			*next = (idx + 1) % n
			return job, nil
		}
		if !errors.Is(err, domain.ErrQueueEmpty) {
			return nil, err
		}
	}
	return nil, domain.ErrQueueEmpty
}

// wait sleeps for d; false means the pool is stopping
func (p *Pool) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}
