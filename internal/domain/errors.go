package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown to the store
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueEmpty is returned when there is nothing to lease
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrLeaseExpired is returned when the caller no longer holds the job's lease
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotLeased is returned when a lease operation targets a job without any lease
	ErrNotLeased = errors.New("job has no active lease")

	// ErrJobLeased is returned when cancelling a job that is currently executing
	ErrJobLeased = errors.New("job is leased")

	// ErrJobTerminal is returned when an operation needs a live job but it already finished
	ErrJobTerminal = errors.New("job already finished")

	// ErrDuplicateJob is returned when pushing a job id that already exists
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidQueue is returned for empty, oversized or whitespace queue names
	ErrInvalidQueue = errors.New("invalid queue name")

	// ErrUnknownStatus is returned when a stored status cannot be parsed
	ErrUnknownStatus = errors.New("unknown job status")

	// ErrStoreUnavailable matches every transient backend failure
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreError wraps a backend failure that may succeed when retried
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrStoreUnavailable
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewStoreError wraps err as a transient failure of op; nil stays nil
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// PermanentError marks a job failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new non-retryable error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, forbids a retry.
// Errors opt in either by being a PermanentError or by implementing Permanent() bool.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}
	var marker interface{ Permanent() bool }
	if errors.As(err, &marker) {
		return marker.Permanent()
	}
	return false
}
