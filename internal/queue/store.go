// Package queue defines the storage contract behind the scheduler.
//
// Every mutating operation is atomic with respect to the job's queue.
// Implementations live in the memory, sqlstore and redisstore packages and
// share the conformance suite in queuetest.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
)

// ErrNotTerminal is returned by Bury for a job that has not finished
var ErrNotTerminal = errors.New("job is not in a terminal state")

// ExpiredLeaseReason is recorded as the job error when a lease runs out
const ExpiredLeaseReason = "lease expired"

// Store persists jobs and their queue positions
type Store interface {
	// Push appends a Pending job to the tail of job.Queue
	Push(ctx context.Context, job *domain.Job) error

	// Bury records a job that is already terminal, bypassing the queue
	Bury(ctx context.Context, job *domain.Job) error

	// PopLease leases the head of queue to owner for lease.
	// Returns domain.ErrQueueEmpty without blocking when nothing is pending.
	PopLease(ctx context.Context, queue, owner string, lease time.Duration) (*domain.Job, error)

	// ExtendLease pushes the expiry of an active lease to now+lease
	ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error

	// Ack marks a leased job Succeeded. A terminal job is left untouched.
	Ack(ctx context.Context, jobID, owner string, result []byte) error

	// Fail marks a leased job Failed without retry. A terminal job is left untouched.
	Fail(ctx context.Context, jobID, owner, reason string) error

	// RequeueOrFail consumes one attempt and either appends the job to the
	// tail of its queue or, once attempts are exhausted, marks it Failed.
	// Returns domain.ErrNotLeased when the job holds no lease.
	RequeueOrFail(ctx context.Context, jobID, owner, reason string) (domain.Status, error)

	// ReapExpiredLeases applies RequeueOrFail to every lease in queue that
	// expired, returning the ids it transitioned
	ReapExpiredLeases(ctx context.Context, queue string) ([]string, error)

	// Cancel removes a Pending job. A Leased job is flagged so it is not
	// re-leased and domain.ErrJobLeased is returned.
	Cancel(ctx context.Context, jobID string) error

	Get(ctx context.Context, jobID string) (*domain.Job, error)
	Queues(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats counts the jobs of one queue by status
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Leased    int    `json:"leased"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// Add increments the counter matching status
func (s *Stats) Add(status domain.Status, n int) {
	switch status {
	case domain.StatusPending:
		s.Pending += n
	case domain.StatusLeased:
		s.Leased += n
	case domain.StatusSucceeded:
		s.Succeeded += n
	case domain.StatusFailed:
		s.Failed += n
	case domain.StatusCancelled:
		s.Cancelled += n
	}
}

// Clock returns the current time; stores accept one so tests can move time
type Clock func() time.Time

// Outcome computes the state a job moves to when an attempt fails
// (reason) and returns that status. The job is mutated in place.
func Outcome(job *domain.Job, reason string, now time.Time) domain.Status {
	job.Attempts++
	if job.Attempts > job.MaxAttempts {
		job.Attempts = job.MaxAttempts
	}
	job.Error = reason
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = now

	switch {
	case job.CancelRequested:
		job.Status = domain.StatusCancelled
	case job.Attempts >= job.MaxAttempts:
		job.Status = domain.StatusFailed
	default:
		job.Status = domain.StatusPending
	}
	if job.Status.IsTerminal() {
		job.FinishedAt = now
	}
	return job.Status
}
