// Package queuetest holds the behaviour every queue.Store must share.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store reading time from clock
type Factory func(t *testing.T, clock queue.Clock) queue.Store

// NewJob builds a Pending job ready for Push
func NewJob(id, queueName string, maxAttempts int) *domain.Job {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:          id,
		Queue:       queueName,
		Callable:    "say",
		Payload:     []byte{0x78, 0x9c, 0x01},
		Status:      domain.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

const lease = 10 * time.Second

type env struct {
	ctx   context.Context
	clock *Clock
	store queue.Store
}

func setup(t *testing.T, factory Factory) env {
	t.Helper()
	clock := NewClock()
	store := factory(t, clock.Now)
	t.Cleanup(func() { _ = store.Close() })
	return env{ctx: context.Background(), clock: clock, store: store}
}

func (e env) push(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.store.Push(e.ctx, NewJob(id, "default", 3)))
	}
}

func (e env) pop(t *testing.T, owner string) *domain.Job {
	t.Helper()
	job, err := e.store.PopLease(e.ctx, "default", owner, lease)
	require.NoError(t, err)
	return job
}

// Run executes the conformance suite against stores built by factory
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e env)
	}{
		{"fifo order", testFIFO},
		{"empty queue", testEmpty},
		{"queues are independent", testIndependentQueues},
		{"requeue appends to tail", testRequeueToTail},
		{"ack succeeds and is idempotent", testAck},
		{"ack rejects stale lease holders", testAckStale},
		{"fail is terminal", testFail},
		{"requeue without lease is rejected", testRequeueWithoutLease},
		{"attempts are bounded", testAttemptsBounded},
		{"expired lease requeued once", testReapOnce},
		{"reaping exhausts attempts", testReapExhausts},
		{"extend lease", testExtendLease},
		{"cancel pending", testCancelPending},
		{"cancel leased", testCancelLeased},
		{"bury records terminal job", testBury},
		{"duplicate push rejected", testDuplicatePush},
		{"stats and queues", testStats},
		{"concurrent leasing", testConcurrentLeasing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, setup(t, factory))
		})
	}
}

func testFIFO(t *testing.T, e env) {
	e.push(t, "a", "b", "c")

	for _, want := range []string{"a", "b", "c"} {
		job := e.pop(t, "w1")
		assert.Equal(t, want, job.ID)
		assert.Equal(t, domain.StatusLeased, job.Status)
		assert.Equal(t, "w1", job.LeaseOwner)
		assert.True(t, job.LeaseExpiresAt.Equal(e.clock.Now().Add(lease)))
	}
}

func testEmpty(t *testing.T, e env) {
	_, err := e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	e.push(t, "a")
	e.pop(t, "w1")
	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testIndependentQueues(t *testing.T, e env) {
	require.NoError(t, e.store.Push(e.ctx, NewJob("m1", "mail", 3)))
	e.push(t, "d1")

	job, err := e.store.PopLease(e.ctx, "mail", "w1", lease)
	require.NoError(t, err)
	assert.Equal(t, "m1", job.ID)

	_, err = e.store.PopLease(e.ctx, "mail", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
	assert.Equal(t, "d1", e.pop(t, "w1").ID)
}

func testRequeueToTail(t *testing.T, e env) {
	e.push(t, "a", "b")
	first := e.pop(t, "w1")
	require.Equal(t, "a", first.ID)

	status, err := e.store.RequeueOrFail(e.ctx, "a", "w1", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	e.push(t, "c")
	assert.Equal(t, "b", e.pop(t, "w1").ID)
	assert.Equal(t, "a", e.pop(t, "w1").ID)
	assert.Equal(t, "c", e.pop(t, "w1").ID)

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.Error)
}

func testAck(t *testing.T, e env) {
	e.push(t, "a")
	e.pop(t, "w1")
	e.clock.Advance(time.Second)

	require.NoError(t, e.store.Ack(e.ctx, "a", "w1", []byte(`"done"`)))

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, job.Status)
	assert.Equal(t, []byte(`"done"`), job.Result)
	assert.Empty(t, job.LeaseOwner)
	assert.Equal(t, 0, job.Attempts)
	assert.False(t, job.FinishedAt.IsZero())

	// duplicates are no-ops, whoever sends them
	require.NoError(t, e.store.Ack(e.ctx, "a", "w1", []byte(`"again"`)))
	require.NoError(t, e.store.Ack(e.ctx, "a", "w2", nil))
	require.NoError(t, e.store.Fail(e.ctx, "a", "w1", "late failure"))

	job, err = e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, job.Status)
	assert.Equal(t, []byte(`"done"`), job.Result)

	assert.ErrorIs(t, e.store.Ack(e.ctx, "missing", "w1", nil), domain.ErrJobNotFound)
}

func testAckStale(t *testing.T, e env) {
	e.push(t, "a")
	e.pop(t, "w1")

	assert.ErrorIs(t, e.store.Ack(e.ctx, "a", "w2", nil), domain.ErrLeaseExpired)

	e.clock.Advance(lease)
	assert.ErrorIs(t, e.store.Ack(e.ctx, "a", "w1", nil), domain.ErrLeaseExpired)

	ids, err := e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	// reaped back to Pending: the former holder is still rejected
	assert.ErrorIs(t, e.store.Ack(e.ctx, "a", "w1", nil), domain.ErrLeaseExpired)
	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
}

func testFail(t *testing.T, e env) {
	e.push(t, "a")
	e.pop(t, "w1")

	require.NoError(t, e.store.Fail(e.ctx, "a", "w1", "bad input"))

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, "bad input", job.Error)
	assert.Equal(t, 1, job.Attempts)

	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testRequeueWithoutLease(t *testing.T, e env) {
	e.push(t, "a")

	_, err := e.store.RequeueOrFail(e.ctx, "a", "w1", "boom")
	assert.ErrorIs(t, err, domain.ErrNotLeased)

	_, err = e.store.RequeueOrFail(e.ctx, "missing", "w1", "boom")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	e.pop(t, "w1")
	_, err = e.store.RequeueOrFail(e.ctx, "a", "w2", "boom")
	assert.ErrorIs(t, err, domain.ErrLeaseExpired)

	require.NoError(t, e.store.Ack(e.ctx, "a", "w1", nil))
	_, err = e.store.RequeueOrFail(e.ctx, "a", "w1", "boom")
	assert.ErrorIs(t, err, domain.ErrNotLeased)
}

func testAttemptsBounded(t *testing.T, e env) {
	require.NoError(t, e.store.Push(e.ctx, NewJob("a", "default", 2)))

	e.pop(t, "w1")
	status, err := e.store.RequeueOrFail(e.ctx, "a", "w1", "first")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	e.pop(t, "w1")
	status, err = e.store.RequeueOrFail(e.ctx, "a", "w1", "second")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "second", job.Error)

	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testReapOnce(t *testing.T, e env) {
	e.push(t, "a", "b")
	e.pop(t, "w1")

	e.clock.Advance(lease / 2)
	ids, err := e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, ids)

	e.clock.Advance(lease)
	ids, err = e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, ids)

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, queue.ExpiredLeaseReason, job.Error)
	assert.Empty(t, job.LeaseOwner)

	stats, err := e.store.Stats(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Leased)

	assert.Equal(t, "b", e.pop(t, "w2").ID)
	assert.Equal(t, "a", e.pop(t, "w2").ID)

	ids, err = e.store.ReapExpiredLeases(e.ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testReapExhausts(t *testing.T, e env) {
	require.NoError(t, e.store.Push(e.ctx, NewJob("a", "default", 1)))
	e.pop(t, "w1")
	e.clock.Advance(lease)

	ids, err := e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func testExtendLease(t *testing.T, e env) {
	e.push(t, "a")
	e.pop(t, "w1")

	e.clock.Advance(lease - time.Second)
	require.NoError(t, e.store.ExtendLease(e.ctx, "a", "w1", lease))
	assert.ErrorIs(t, e.store.ExtendLease(e.ctx, "a", "w2", lease), domain.ErrLeaseExpired)

	e.clock.Advance(lease - time.Second)
	ids, err := e.store.ReapExpiredLeases(e.ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, e.store.Ack(e.ctx, "a", "w1", nil))
	assert.ErrorIs(t, e.store.ExtendLease(e.ctx, "a", "w1", lease), domain.ErrLeaseExpired)
	assert.ErrorIs(t, e.store.ExtendLease(e.ctx, "missing", "w1", lease), domain.ErrJobNotFound)
}

func testCancelPending(t *testing.T, e env) {
	e.push(t, "a", "b")

	require.NoError(t, e.store.Cancel(e.ctx, "a"))

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status)

	assert.Equal(t, "b", e.pop(t, "w1").ID)
	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	assert.ErrorIs(t, e.store.Cancel(e.ctx, "a"), domain.ErrJobTerminal)
	assert.ErrorIs(t, e.store.Cancel(e.ctx, "missing"), domain.ErrJobNotFound)
}

func testCancelLeased(t *testing.T, e env) {
	e.push(t, "a", "b")
	e.pop(t, "w1")
	e.pop(t, "w1")

	assert.ErrorIs(t, e.store.Cancel(e.ctx, "a"), domain.ErrJobLeased)
	assert.ErrorIs(t, e.store.Cancel(e.ctx, "b"), domain.ErrJobLeased)

	job, err := e.store.Get(e.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLeased, job.Status)
	assert.True(t, job.CancelRequested)

	// a failure no longer requeues
	status, err := e.store.RequeueOrFail(e.ctx, "a", "w1", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, status)

	// a success still counts
	require.NoError(t, e.store.Ack(e.ctx, "b", "w1", nil))
	job, err = e.store.Get(e.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, job.Status)

	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testBury(t *testing.T, e env) {
	job := NewJob("bad", "default", 3)
	job.Status = domain.StatusFailed
	job.Error = "unknown job"
	job.FinishedAt = e.clock.Now()
	require.NoError(t, e.store.Bury(e.ctx, job))

	got, err := e.store.Get(e.ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "unknown job", got.Error)

	_, err = e.store.PopLease(e.ctx, "default", "w1", lease)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	assert.ErrorIs(t, e.store.Bury(e.ctx, NewJob("live", "default", 3)), queue.ErrNotTerminal)

	stats, err := e.store.Stats(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func testDuplicatePush(t *testing.T, e env) {
	e.push(t, "a")
	assert.ErrorIs(t, e.store.Push(e.ctx, NewJob("a", "default", 3)), domain.ErrDuplicateJob)
	assert.ErrorIs(t, e.store.Push(e.ctx, NewJob("a", "other", 3)), domain.ErrDuplicateJob)
}

func testStats(t *testing.T, e env) {
	e.push(t, "a", "b", "c", "d")
	require.NoError(t, e.store.Push(e.ctx, NewJob("m", "mail", 3)))

	e.pop(t, "w1")
	e.pop(t, "w1")
	require.NoError(t, e.store.Ack(e.ctx, "a", "w1", nil))
	require.NoError(t, e.store.Cancel(e.ctx, "d"))

	stats, err := e.store.Stats(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "default", Pending: 1, Leased: 1, Succeeded: 1, Cancelled: 1}, stats)

	names, err := e.store.Queues(e.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "mail"}, names)

	empty, err := e.store.Stats(e.ctx, "nothing")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: "nothing"}, empty)

	assert.NoError(t, e.store.Ping(e.ctx))
}

func testConcurrentLeasing(t *testing.T, e env) {
	const jobs = 40
	for i := 0; i < jobs; i++ {
		e.push(t, fmt.Sprintf("job-%02d", i))
	}

	var (
		mu     sync.Mutex
		leased = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				job, err := e.store.PopLease(e.ctx, "default", owner, lease)
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrQueueEmpty)
					return
				}
				mu.Lock()
				leased[job.ID]++
				mu.Unlock()
				assert.NoError(t, e.store.Ack(e.ctx, job.ID, owner, nil))
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, leased, jobs)
	for id, n := range leased {
		assert.Equal(t, 1, n, "job %s leased more than once", id)
	}

	stats, err := e.store.Stats(e.ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, jobs, stats.Succeeded)
	assert.Equal(t, 0, stats.Pending+stats.Leased)
}
