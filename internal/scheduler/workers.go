package scheduler

import (
	"log/slog"
	"sort"

	"github.com/cuongbtq/jobq/internal/domain"
)

// RegisterWorker records a live worker
func (s *Scheduler) RegisterWorker(id string) {
	now := s.now()

	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	if w, ok := s.workers[id]; ok {
		w.LastSeen = now
		return
	}
	s.workers[id] = &domain.Worker{ID: id, RegisteredAt: now, LastSeen: now}
}

// Heartbeat marks the worker alive and records the job it is running,
// "" when idle. Unknown workers are registered.
func (s *Scheduler) Heartbeat(id, jobID string) {
	now := s.now()

	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		w = &domain.Worker{ID: id, RegisteredAt: now}
		s.workers[id] = w
	}
	w.LastSeen = now
	w.CurrentJob = jobID
}

// DeregisterWorker forgets a worker that stopped cleanly
func (s *Scheduler) DeregisterWorker(id string) {
	s.workersMu.Lock()
	delete(s.workers, id)
	s.workersMu.Unlock()
}

// Workers returns the registered workers ordered by id
func (s *Scheduler) Workers() []domain.Worker {
	s.workersMu.Lock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	s.workersMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) pruneWorkers() {
	cutoff := s.now().Add(-s.workerTTL)

	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	for id, w := range s.workers {
		if w.LastSeen.Before(cutoff) {
			delete(s.workers, id)
			s.logger.Warn("Worker stopped heartbeating",
				slog.String("worker_id", id),
				slog.Time("last_seen", w.LastSeen),
			)
		}
	}
}
