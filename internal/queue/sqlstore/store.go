// Package sqlstore implements queue.Store on PostgreSQL or SQLite through sqlx.
//
// Jobs live in a single table ordered by a seq column that the database assigns
// inside the writing transaction, so order holds across processes sharing one
// database and across restarts. Leasing is an
// optimistic conditional UPDATE inside a transaction; on PostgreSQL the head
// row is locked with FOR UPDATE SKIP LOCKED so concurrent workers do not
// contend on it.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/jmoiron/sqlx"
)

var _ queue.Store = (*Store)(nil)

// maxClaimRetries bounds how often PopLease retries after losing a race
const maxClaimRetries = 5

var errClaimLost = errors.New("claim lost to another worker")

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(clock queue.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is a SQL backed queue.Store
type Store struct {
	db      *sqlx.DB
	dialect dialect
	clock   queue.Clock
	logger  *slog.Logger
}

// New wraps db. The driver decides the dialect. Call Migrate before use on
// a fresh database.
func New(db *sqlx.DB, opts ...Option) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:      db,
		dialect: d,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type jobRow struct {
	ID              string         `db:"id"`
	Queue           string         `db:"queue"`
	Callable        string         `db:"callable"`
	Payload         []byte         `db:"payload"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	Seq             int64          `db:"seq"`
	LeaseOwner      sql.NullString `db:"lease_owner"`
	LeaseExpiresAt  sql.NullInt64  `db:"lease_expires_at"`
	CancelRequested bool           `db:"cancel_requested"`
	Result          []byte         `db:"result"`
	Error           string         `db:"error"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
	FinishedAt      sql.NullInt64  `db:"finished_at"`
}

func (r *jobRow) toJob() (*domain.Job, error) {
	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}
	job := &domain.Job{
		ID:              r.ID,
		Queue:           r.Queue,
		Callable:        r.Callable,
		Payload:         r.Payload,
		Status:          status,
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		CancelRequested: r.CancelRequested,
		Result:          r.Result,
		Error:           r.Error,
		CreatedAt:       fromNanos(r.CreatedAt),
		UpdatedAt:       fromNanos(r.UpdatedAt),
		LeaseOwner:      r.LeaseOwner.String,
	}
	if r.LeaseExpiresAt.Valid {
		job.LeaseExpiresAt = fromNanos(r.LeaseExpiresAt.Int64)
	}
	if r.FinishedAt.Valid {
		job.FinishedAt = fromNanos(r.FinishedAt.Int64)
	}
	return job, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// inTx runs fn in a transaction, committing only when fn returns nil
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.NewStoreError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction",
				slog.String("op", op),
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.NewStoreError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// loadForUpdate reads one job inside tx, locking the row where supported
func (s *Store) loadForUpdate(ctx context.Context, tx *sqlx.Tx, op, jobID string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM ` + tableName + ` WHERE id = ?` + s.dialect.lockRow)
	if err := tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStoreError(op, err)
	}
	return row.toJob()
}

// write stores the mutable fields of job. A requeued job moves to the tail
// of its queue.
func (s *Store) write(ctx context.Context, tx *sqlx.Tx, op string, job *domain.Job, requeue bool) error {
	seq := "seq"
	if requeue {
		seq = s.dialect.nextSeq
	}
	query := s.db.Rebind(`UPDATE ` + tableName + `
		SET status = ?, attempts = ?, seq = ` + seq + `, lease_owner = ?, lease_expires_at = ?,
		    cancel_requested = ?, result = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`)
	_, err := tx.ExecContext(ctx, query,
		string(job.Status),
		job.Attempts,
		nullString(job.LeaseOwner),
		nullNanos(job.LeaseExpiresAt),
		job.CancelRequested,
		job.Result,
		job.Error,
		job.UpdatedAt.UnixNano(),
		nullNanos(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	return nil
}

// insert adds job. Pending jobs take the next queue position; buried ones
// keep seq 0.
func (s *Store) insert(ctx context.Context, op string, job *domain.Job) error {
	seq := "0"
	if job.Status == domain.StatusPending {
		seq = s.dialect.nextSeq
	}
	return s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM `+tableName+` WHERE id = ?`), job.ID); err != nil {
			return domain.NewStoreError(op, err)
		}
		if n > 0 {
			return domain.ErrDuplicateJob
		}

		query := s.db.Rebind(`INSERT INTO ` + tableName + ` (` + jobColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ` + seq + `, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query,
			job.ID,
			job.Queue,
			job.Callable,
			job.Payload,
			string(job.Status),
			job.Attempts,
			job.MaxAttempts,
			nullString(job.LeaseOwner),
			nullNanos(job.LeaseExpiresAt),
			job.CancelRequested,
			job.Result,
			job.Error,
			job.CreatedAt.UnixNano(),
			job.UpdatedAt.UnixNano(),
			nullNanos(job.FinishedAt),
		)
		if err != nil {
			return domain.NewStoreError(op, err)
		}
		return nil
	})
}

// Push appends job to the tail of its queue
func (s *Store) Push(ctx context.Context, job *domain.Job) error {
	stored := job.Clone()
	stored.Status = domain.StatusPending
	return s.insert(ctx, "push", stored)
}

// Bury records a terminal job directly
func (s *Store) Bury(ctx context.Context, job *domain.Job) error {
	if !job.Status.IsTerminal() {
		return queue.ErrNotTerminal
	}
	return s.insert(ctx, "bury", job)
}

// PopLease leases the oldest pending job of queueName
func (s *Store) PopLease(ctx context.Context, queueName, owner string, lease time.Duration) (*domain.Job, error) {
	for attempt := 1; ; attempt++ {
		job, err := s.claimHead(ctx, queueName, owner, lease)
		if errors.Is(err, errClaimLost) && attempt < maxClaimRetries {
			continue
		}
		if errors.Is(err, errClaimLost) {
			return nil, domain.ErrQueueEmpty
		}
		return job, err
	}
}

func (s *Store) claimHead(ctx context.Context, queueName, owner string, lease time.Duration) (*domain.Job, error) {
	var job *domain.Job
	err := s.inTx(ctx, "pop_lease", func(tx *sqlx.Tx) error {
		var id string
		head := s.db.Rebind(`SELECT id FROM ` + tableName + ` WHERE queue = ? AND status = ? ORDER BY seq LIMIT 1` + s.dialect.lockHead)
		if err := tx.GetContext(ctx, &id, head, queueName, string(domain.StatusPending)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrQueueEmpty
			}
			return domain.NewStoreError("pop_lease", err)
		}

		now := s.clock()
		claim := s.db.Rebind(`UPDATE ` + tableName + `
			SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, claim,
			string(domain.StatusLeased), owner, now.Add(lease).UnixNano(), now.UnixNano(),
			id, string(domain.StatusPending),
		)
		if err != nil {
			return domain.NewStoreError("pop_lease", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.NewStoreError("pop_lease", err)
		}
		if affected == 0 {
			return errClaimLost
		}

		job, err = s.loadForUpdate(ctx, tx, "pop_lease", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease renews an active lease
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	return s.inTx(ctx, "extend_lease", func(tx *sqlx.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, "extend_lease", jobID)
		if err != nil {
			return err
		}
		now := s.clock()
		if !job.LeaseActive(owner, now) {
			return domain.ErrLeaseExpired
		}
		job.LeaseExpiresAt = now.Add(lease)
		job.UpdatedAt = now
		return s.write(ctx, tx, "extend_lease", job, false)
	})
}

// Ack marks the job Succeeded
func (s *Store) Ack(ctx context.Context, jobID, owner string, result []byte) error {
	return s.finish(ctx, "ack", jobID, owner, func(job *domain.Job) {
		job.Status = domain.StatusSucceeded
		job.Result = result
		job.Error = ""
	})
}

// Fail marks the job Failed without retry
func (s *Store) Fail(ctx context.Context, jobID, owner, reason string) error {
	return s.finish(ctx, "fail", jobID, owner, func(job *domain.Job) {
		if job.Attempts < job.MaxAttempts {
			job.Attempts++
		}
		job.Status = domain.StatusFailed
		job.Error = reason
	})
}

func (s *Store) finish(ctx context.Context, op, jobID, owner string, apply func(job *domain.Job)) error {
	return s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, op, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		now := s.clock()
		if !job.LeaseActive(owner, now) {
			return domain.ErrLeaseExpired
		}

		apply(job)
		job.LeaseOwner = ""
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = now
		job.FinishedAt = now
		return s.write(ctx, tx, op, job, false)
	})
}

// RequeueOrFail consumes an attempt and requeues or fails the job
func (s *Store) RequeueOrFail(ctx context.Context, jobID, owner, reason string) (domain.Status, error) {
	var status domain.Status
	err := s.inTx(ctx, "requeue_or_fail", func(tx *sqlx.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, "requeue_or_fail", jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusLeased {
			return domain.ErrNotLeased
		}
		now := s.clock()
		if !job.LeaseActive(owner, now) {
			return domain.ErrLeaseExpired
		}

		status, err = s.settle(ctx, tx, "requeue_or_fail", job, reason, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) settle(ctx context.Context, tx *sqlx.Tx, op string, job *domain.Job, reason string, now time.Time) (domain.Status, error) {
	status := queue.Outcome(job, reason, now)
	if err := s.write(ctx, tx, op, job, status == domain.StatusPending); err != nil {
		return "", err
	}
	return status, nil
}

// ReapExpiredLeases requeues or fails every expired lease on the queue
func (s *Store) ReapExpiredLeases(ctx context.Context, queueName string) ([]string, error) {
	now := s.clock()

	var candidates []string
	query := s.db.Rebind(`SELECT id FROM ` + tableName + `
		WHERE queue = ? AND status = ? AND lease_expires_at <= ?
		ORDER BY lease_expires_at, id`)
	if err := s.db.SelectContext(ctx, &candidates, query, queueName, string(domain.StatusLeased), now.UnixNano()); err != nil {
		return nil, domain.NewStoreError("reap", err)
	}

	var reaped []string
	for _, id := range candidates {
		moved := false
		err := s.inTx(ctx, "reap", func(tx *sqlx.Tx) error {
			job, err := s.loadForUpdate(ctx, tx, "reap", id)
			if err != nil {
				return err
			}
			// re-checked under the row lock: the holder may have finished meanwhile
			if !job.LeaseExpired(now) {
				return nil
			}
			if _, err := s.settle(ctx, tx, "reap", job, queue.ExpiredLeaseReason, now); err != nil {
				return err
			}
			moved = true
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return reaped, err
		}
		if moved {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

// Cancel removes a pending job or flags a leased one
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	leased := false
	err := s.inTx(ctx, "cancel", func(tx *sqlx.Tx) error {
		job, err := s.loadForUpdate(ctx, tx, "cancel", jobID)
		if err != nil {
			return err
		}

		now := s.clock()
		switch job.Status {
		case domain.StatusPending:
			job.Status = domain.StatusCancelled
			job.UpdatedAt = now
			job.FinishedAt = now
		case domain.StatusLeased:
			leased = true
			job.CancelRequested = true
		default:
			return domain.ErrJobTerminal
		}
		return s.write(ctx, tx, "cancel", job, false)
	})
	if err != nil {
		return err
	}
	if leased {
		return domain.ErrJobLeased
	}
	return nil
}

// Get returns the job
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM ` + tableName + ` WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStoreError("get", err)
	}
	return row.toJob()
}

// Queues lists every queue with at least one job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT DISTINCT queue FROM `+tableName+` ORDER BY queue`); err != nil {
		return nil, domain.NewStoreError("queues", err)
	}
	return names, nil
}

// Stats counts jobs per status for the queue
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	query := s.db.Rebind(`SELECT status, COUNT(*) AS n FROM ` + tableName + ` WHERE queue = ? GROUP BY status`)
	if err := s.db.SelectContext(ctx, &rows, query, queueName); err != nil {
		return queue.Stats{}, domain.NewStoreError("stats", err)
	}

	stats := queue.Stats{Queue: queueName}
	for _, row := range rows {
		stats.Add(domain.Status(row.Status), row.Count)
	}
	return stats, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewStoreError("ping", err)
	}
	return nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	return s.db.Close()
}
