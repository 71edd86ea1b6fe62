// Package redisstore implements queue.Store on Redis.
//
// Each queue is a list of pending ids plus a sorted set of leased ids scored
// by lease expiry in milliseconds. Jobs are hashes. Every state transition is
// a Lua script, so it is atomic on the server. All keys share the prefix as a
// hash tag and live in one cluster slot, which makes the store usable on Redis
// Cluster at the cost of not spreading one store across shards.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/redis/go-redis/v9"
)

var _ queue.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithPrefix changes the key namespace
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keys{prefix: prefix} }
}

// WithClock overrides the time source
func WithClock(clock queue.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is a Redis backed queue.Store
type Store struct {
	client redis.UniversalClient
	keys   keys
	clock  queue.Clock
	logger *slog.Logger
}

// New wraps client. Closing the store closes the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   keys{prefix: DefaultPrefix},
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storeErr(op string, err error) error {
	return domain.NewStoreError(op, err)
}

func nanos(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func jobFields(job *domain.Job) []any {
	return []any{
		"id", job.ID,
		"queue", job.Queue,
		"callable", job.Callable,
		"payload", job.Payload,
		"status", string(job.Status),
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"lease_owner", job.LeaseOwner,
		"lease_expires_at", nanos(job.LeaseExpiresAt),
		"cancel_requested", boolFlag(job.CancelRequested),
		"result", job.Result,
		"error", job.Error,
		"created_at", nanos(job.CreatedAt),
		"updated_at", nanos(job.UpdatedAt),
		"finished_at", nanos(job.FinishedAt),
	}
}

func parseNanos(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseJob(fields map[string]string) (*domain.Job, error) {
	status, err := domain.ParseStatus(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", fields["id"], err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])

	job := &domain.Job{
		ID:              fields["id"],
		Queue:           fields["queue"],
		Callable:        fields["callable"],
		Status:          status,
		Attempts:        attempts,
		MaxAttempts:     maxAttempts,
		LeaseOwner:      fields["lease_owner"],
		LeaseExpiresAt:  parseNanos(fields["lease_expires_at"]),
		CancelRequested: fields["cancel_requested"] == "1",
		Error:           fields["error"],
		CreatedAt:       parseNanos(fields["created_at"]),
		UpdatedAt:       parseNanos(fields["updated_at"]),
		FinishedAt:      parseNanos(fields["finished_at"]),
	}
	if v := fields["payload"]; v != "" {
		job.Payload = []byte(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = []byte(v)
	}
	return job, nil
}

// flatToMap converts an HGETALL reply returned from a script
func flatToMap(values []any) map[string]string {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	return fields
}

// queueOf reads the immutable queue name of a job
func (s *Store) queueOf(ctx context.Context, op, jobID string) (string, error) {
	name, err := s.client.HGet(ctx, s.keys.job(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", storeErr(op, err)
	}
	return name, nil
}

// Push appends job to the tail of its queue
func (s *Store) Push(ctx context.Context, job *domain.Job) error {
	stored := job.Clone()
	stored.Status = domain.StatusPending

	args := append([]any{stored.Queue, stored.ID}, jobFields(stored)...)
	res, err := pushScript.Run(ctx, s.client,
		[]string{s.keys.job(stored.ID), s.keys.pending(stored.Queue), s.keys.queues()},
		args...,
	).Text()
	if err != nil {
		return storeErr("push", err)
	}
	if res == "DUPLICATE" {
		return domain.ErrDuplicateJob
	}
	return nil
}

// Bury records a terminal job directly
func (s *Store) Bury(ctx context.Context, job *domain.Job) error {
	if !job.Status.IsTerminal() {
		return queue.ErrNotTerminal
	}

	args := append([]any{job.Queue, string(job.Status)}, jobFields(job)...)
	res, err := buryScript.Run(ctx, s.client,
		[]string{s.keys.job(job.ID), s.keys.finished(job.Queue), s.keys.queues()},
		args...,
	).Text()
	if err != nil {
		return storeErr("bury", err)
	}
	if res == "DUPLICATE" {
		return domain.ErrDuplicateJob
	}
	return nil
}

// PopLease leases the head of queueName
func (s *Store) PopLease(ctx context.Context, queueName, owner string, lease time.Duration) (*domain.Job, error) {
	now := s.clock()
	expires := now.Add(lease)

	values, err := popScript.Run(ctx, s.client,
		[]string{s.keys.pending(queueName), s.keys.leased(queueName)},
		s.keys.jobPrefix(), owner, millis(expires), nanos(expires), nanos(now),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrQueueEmpty
	}
	if err != nil {
		return nil, storeErr("pop_lease", err)
	}
	return parseJob(flatToMap(values))
}

// ExtendLease renews an active lease
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	queueName, err := s.queueOf(ctx, "extend_lease", jobID)
	if err != nil {
		return err
	}

	now := s.clock()
	expires := now.Add(lease)
	res, err := extendScript.Run(ctx, s.client,
		[]string{s.keys.job(jobID), s.keys.leased(queueName)},
		jobID, owner, millis(now), millis(expires), nanos(expires), nanos(now),
	).Text()
	if err != nil {
		return storeErr("extend_lease", err)
	}
	return leaseResult(res)
}

func leaseResult(res string) error {
	switch res {
	case "OK":
		return nil
	case "NOT_FOUND":
		return domain.ErrJobNotFound
	case "NOT_LEASED":
		return domain.ErrNotLeased
	default:
		return domain.ErrLeaseExpired
	}
}

// Ack marks the job Succeeded
func (s *Store) Ack(ctx context.Context, jobID, owner string, result []byte) error {
	return s.finish(ctx, "ack", jobID, owner, domain.StatusSucceeded, result, "", false)
}

// Fail marks the job Failed without retry
func (s *Store) Fail(ctx context.Context, jobID, owner, reason string) error {
	return s.finish(ctx, "fail", jobID, owner, domain.StatusFailed, nil, reason, true)
}

func (s *Store) finish(ctx context.Context, op, jobID, owner string, status domain.Status, result []byte, reason string, consume bool) error {
	queueName, err := s.queueOf(ctx, op, jobID)
	if err != nil {
		return err
	}

	now := s.clock()
	res, err := finishScript.Run(ctx, s.client,
		[]string{s.keys.job(jobID), s.keys.leased(queueName), s.keys.finished(queueName)},
		jobID, owner, millis(now), nanos(now), string(status), result, reason, boolFlag(consume),
	).Text()
	if err != nil {
		return storeErr(op, err)
	}
	return leaseResult(res)
}

// RequeueOrFail consumes an attempt and requeues or fails the job
func (s *Store) RequeueOrFail(ctx context.Context, jobID, owner, reason string) (domain.Status, error) {
	queueName, err := s.queueOf(ctx, "requeue_or_fail", jobID)
	if err != nil {
		return "", err
	}

	now := s.clock()
	res, err := requeueScript.Run(ctx, s.client,
		[]string{s.keys.job(jobID), s.keys.leased(queueName), s.keys.pending(queueName), s.keys.finished(queueName)},
		jobID, owner, millis(now), nanos(now), reason,
	).Text()
	if err != nil {
		return "", storeErr("requeue_or_fail", err)
	}

	if status, err := domain.ParseStatus(res); err == nil {
		return status, nil
	}
	return "", leaseResult(res)
}

// ReapExpiredLeases requeues or fails every expired lease on the queue
func (s *Store) ReapExpiredLeases(ctx context.Context, queueName string) ([]string, error) {
	now := s.clock()
	ids, err := reapScript.Run(ctx, s.client,
		[]string{s.keys.leased(queueName), s.keys.pending(queueName), s.keys.finished(queueName)},
		s.keys.jobPrefix(), millis(now), nanos(now), queue.ExpiredLeaseReason,
	).StringSlice()
	if err != nil {
		return nil, storeErr("reap", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// Cancel removes a pending job or flags a leased one
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	queueName, err := s.queueOf(ctx, "cancel", jobID)
	if err != nil {
		return err
	}

	res, err := cancelScript.Run(ctx, s.client,
		[]string{s.keys.job(jobID), s.keys.pending(queueName), s.keys.finished(queueName)},
		jobID, nanos(s.clock()),
	).Text()
	if err != nil {
		return storeErr("cancel", err)
	}

	switch res {
	case "OK":
		return nil
	case "LEASED":
		return domain.ErrJobLeased
	case "TERMINAL":
		return domain.ErrJobTerminal
	default:
		return domain.ErrJobNotFound
	}
}

// Get returns the job
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.job(jobID)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return parseJob(fields)
}

// Queues lists every queue that has held a job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.keys.queues()).Result()
	if err != nil {
		return nil, storeErr("queues", err)
	}
	sort.Strings(names)
	return names, nil
}

// Stats counts jobs per status for the queue
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	pipe := s.client.Pipeline()
	pending := pipe.LLen(ctx, s.keys.pending(queueName))
	leased := pipe.ZCard(ctx, s.keys.leased(queueName))
	finished := pipe.HGetAll(ctx, s.keys.finished(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, storeErr("stats", err)
	}

	stats := queue.Stats{
		Queue:   queueName,
		Pending: int(pending.Val()),
		Leased:  int(leased.Val()),
	}
	for status, count := range finished.Val() {
		n, err := strconv.Atoi(count)
		if err != nil {
			s.logger.Warn("Ignoring malformed status counter",
				slog.String("queue", queueName),
				slog.String("status", status),
			)
			continue
		}
		stats.Add(domain.Status(status), n)
	}
	return stats, nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}
