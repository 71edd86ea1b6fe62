// Package memory is the in-process reference implementation of queue.Store.
//
// Each queue has its own lock; the map of queues is only locked to find or
// create a queue. Finished jobs move to a separate terminal map.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
)

var _ queue.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(clock queue.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Store keeps every job in memory
type Store struct {
	clock queue.Clock

	mu     sync.RWMutex
	queues map[string]*queueState

	indexMu sync.RWMutex
	index   map[string]string // live job id -> queue name

	doneMu sync.RWMutex
	done   map[string]*domain.Job
}

type queueState struct {
	mu       sync.Mutex
	pending  *list.List
	elems    map[string]*list.Element
	leased   map[string]*domain.Job
	finished map[domain.Status]int
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		clock:  time.Now,
		queues: make(map[string]*queueState),
		index:  make(map[string]string),
		done:   make(map[string]*domain.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) queueFor(name string) *queueState {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[name]; ok {
		return q
	}
	q = &queueState{
		pending:  list.New(),
		elems:    make(map[string]*list.Element),
		leased:   make(map[string]*domain.Job),
		finished: make(map[domain.Status]int),
	}
	s.queues[name] = q
	return q
}

func (s *Store) lookupQueue(name string) *queueState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[name]
}

// locate returns the queue currently owning a live job
func (s *Store) locate(jobID string) *queueState {
	s.indexMu.RLock()
	name, ok := s.index[jobID]
	s.indexMu.RUnlock()
	if !ok {
		return nil
	}
	return s.lookupQueue(name)
}

func (s *Store) finishedJob(jobID string) *domain.Job {
	s.doneMu.RLock()
	defer s.doneMu.RUnlock()
	return s.done[jobID]
}

func (s *Store) exists(jobID string) bool {
	s.indexMu.RLock()
	_, live := s.index[jobID]
	s.indexMu.RUnlock()
	return live || s.finishedJob(jobID) != nil
}

// retire moves a job that just became terminal out of q. Caller holds q.mu.
func (s *Store) retire(q *queueState, job *domain.Job) {
	q.finished[job.Status]++

	s.doneMu.Lock()
	s.done[job.ID] = job
	s.doneMu.Unlock()

	s.indexMu.Lock()
	delete(s.index, job.ID)
	s.indexMu.Unlock()
}

// Push appends job to the tail of its queue
func (s *Store) Push(_ context.Context, job *domain.Job) error {
	stored := job.Clone()
	stored.Status = domain.StatusPending

	q := s.queueFor(stored.Queue)
	q.mu.Lock()
	defer q.mu.Unlock()

	if s.finishedJob(stored.ID) != nil {
		return domain.ErrDuplicateJob
	}
	s.indexMu.Lock()
	if _, exists := s.index[stored.ID]; exists {
		s.indexMu.Unlock()
		return domain.ErrDuplicateJob
	}
	s.index[stored.ID] = stored.Queue
	s.indexMu.Unlock()

	q.elems[stored.ID] = q.pending.PushBack(stored)
	return nil
}

// Bury records a terminal job directly
func (s *Store) Bury(_ context.Context, job *domain.Job) error {
	if !job.Status.IsTerminal() {
		return queue.ErrNotTerminal
	}
	stored := job.Clone()

	q := s.queueFor(stored.Queue)
	q.mu.Lock()
	defer q.mu.Unlock()

	if s.exists(stored.ID) {
		return domain.ErrDuplicateJob
	}
	q.finished[stored.Status]++

	s.doneMu.Lock()
	s.done[stored.ID] = stored
	s.doneMu.Unlock()
	return nil
}

// PopLease leases the head of the queue
func (s *Store) PopLease(_ context.Context, queueName, owner string, lease time.Duration) (*domain.Job, error) {
	q := s.lookupQueue(queueName)
	if q == nil {
		return nil, domain.ErrQueueEmpty
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.pending.Front()
	if front == nil {
		return nil, domain.ErrQueueEmpty
	}
	job := q.pending.Remove(front).(*domain.Job)
	delete(q.elems, job.ID)

	now := s.clock()
	job.Status = domain.StatusLeased
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now.Add(lease)
	job.UpdatedAt = now
	q.leased[job.ID] = job

	return job.Clone(), nil
}

// ExtendLease renews an active lease
func (s *Store) ExtendLease(_ context.Context, jobID, owner string, lease time.Duration) error {
	q := s.locate(jobID)
	if q == nil {
		if s.finishedJob(jobID) != nil {
			return domain.ErrLeaseExpired
		}
		return domain.ErrJobNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.leased[jobID]
	now := s.clock()
	if !ok || !job.LeaseActive(owner, now) {
		return domain.ErrLeaseExpired
	}
	job.LeaseExpiresAt = now.Add(lease)
	job.UpdatedAt = now
	return nil
}

// Ack marks the job Succeeded
func (s *Store) Ack(_ context.Context, jobID, owner string, result []byte) error {
	return s.finish(jobID, owner, func(job *domain.Job, now time.Time) {
		job.Status = domain.StatusSucceeded
		job.Result = append([]byte(nil), result...)
		job.Error = ""
	})
}

// Fail marks the job Failed without retry
func (s *Store) Fail(_ context.Context, jobID, owner, reason string) error {
	return s.finish(jobID, owner, func(job *domain.Job, now time.Time) {
		if job.Attempts < job.MaxAttempts {
			job.Attempts++
		}
		job.Status = domain.StatusFailed
		job.Error = reason
	})
}

// finish applies a terminal transition to a job leased by owner.
// A job that is already terminal is left as is.
func (s *Store) finish(jobID, owner string, apply func(job *domain.Job, now time.Time)) error {
	q := s.locate(jobID)
	if q == nil {
		if s.finishedJob(jobID) != nil {
			return nil
		}
		return domain.ErrJobNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.leased[jobID]
	if !ok {
		if s.finishedJob(jobID) != nil {
			return nil
		}
		return domain.ErrLeaseExpired
	}

	now := s.clock()
	if !job.LeaseActive(owner, now) {
		return domain.ErrLeaseExpired
	}

	apply(job, now)
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = now
	job.FinishedAt = now

	delete(q.leased, jobID)
	s.retire(q, job)
	return nil
}

// RequeueOrFail consumes an attempt and requeues or fails the job
func (s *Store) RequeueOrFail(_ context.Context, jobID, owner, reason string) (domain.Status, error) {
	q := s.locate(jobID)
	if q == nil {
		if s.finishedJob(jobID) != nil {
			return "", domain.ErrNotLeased
		}
		return "", domain.ErrJobNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.leased[jobID]
	if !ok {
		return "", domain.ErrNotLeased
	}
	now := s.clock()
	if !job.LeaseActive(owner, now) {
		return "", domain.ErrLeaseExpired
	}

	return s.settle(q, job, reason, now), nil
}

// settle moves a leased job to its failure outcome. Caller holds q.mu.
func (s *Store) settle(q *queueState, job *domain.Job, reason string, now time.Time) domain.Status {
	delete(q.leased, job.ID)

	status := queue.Outcome(job, reason, now)
	if status == domain.StatusPending {
		q.elems[job.ID] = q.pending.PushBack(job)
	} else {
		s.retire(q, job)
	}
	return status
}

// ReapExpiredLeases requeues or fails every expired lease on the queue
func (s *Store) ReapExpiredLeases(_ context.Context, queueName string) ([]string, error) {
	q := s.lookupQueue(queueName)
	if q == nil {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := s.clock()
	var expired []*domain.Job
	for _, job := range q.leased {
		if job.LeaseExpired(now) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].LeaseExpiresAt.Equal(expired[j].LeaseExpiresAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].LeaseExpiresAt.Before(expired[j].LeaseExpiresAt)
	})

	ids := make([]string, 0, len(expired))
	for _, job := range expired {
		s.settle(q, job, queue.ExpiredLeaseReason, now)
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Cancel removes a pending job or flags a leased one
func (s *Store) Cancel(_ context.Context, jobID string) error {
	q := s.locate(jobID)
	if q == nil {
		if s.finishedJob(jobID) != nil {
			return domain.ErrJobTerminal
		}
		return domain.ErrJobNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if elem, ok := q.elems[jobID]; ok {
		job := q.pending.Remove(elem).(*domain.Job)
		delete(q.elems, jobID)

		now := s.clock()
		job.Status = domain.StatusCancelled
		job.UpdatedAt = now
		job.FinishedAt = now
		s.retire(q, job)
		return nil
	}
	if job, ok := q.leased[jobID]; ok {
		job.CancelRequested = true
		return domain.ErrJobLeased
	}
	return domain.ErrJobTerminal
}

// Get returns a copy of the job
func (s *Store) Get(_ context.Context, jobID string) (*domain.Job, error) {
	if q := s.locate(jobID); q != nil {
		q.mu.Lock()
		if elem, ok := q.elems[jobID]; ok {
			job := elem.Value.(*domain.Job).Clone()
			q.mu.Unlock()
			return job, nil
		}
		if job, ok := q.leased[jobID]; ok {
			job = job.Clone()
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()
	}

	s.doneMu.RLock()
	defer s.doneMu.RUnlock()
	if job, ok := s.done[jobID]; ok {
		return job.Clone(), nil
	}
	return nil, domain.ErrJobNotFound
}

// Queues lists every queue that has ever held a job
func (s *Store) Queues(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stats counts jobs per status for the queue
func (s *Store) Stats(_ context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName}
	q := s.lookupQueue(queueName)
	if q == nil {
		return stats, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats.Pending = q.pending.Len()
	stats.Leased = len(q.leased)
	for status, n := range q.finished {
		stats.Add(status, n)
	}
	return stats, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
