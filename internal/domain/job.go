package domain

import (
	"strings"
	"time"
)

// MaxQueueNameLength bounds the size of a queue name
const MaxQueueNameLength = 128

// Job is a unit of work tracked by the scheduler
type Job struct {
	ID              string
	Queue           string
	Callable        string
	Payload         []byte // encoded payload as submitted
	Status          Status
	Attempts        int
	MaxAttempts     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LeaseOwner      string
	LeaseExpiresAt  time.Time
	CancelRequested bool
	Result          []byte // JSON encoded handler result
	Error           string
	FinishedAt      time.Time
}

// Clone returns a deep copy so callers cannot mutate store state
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	return &c
}

// LeaseActive reports whether the job is leased by owner and the lease has not expired at now
func (j *Job) LeaseActive(owner string, now time.Time) bool {
	return j.Status == StatusLeased && j.LeaseOwner == owner && now.Before(j.LeaseExpiresAt)
}

// LeaseExpired reports whether the job holds a lease that ran out at or before now
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == StatusLeased && !now.Before(j.LeaseExpiresAt)
}

// Worker describes a registered worker and its liveness
type Worker struct {
	ID           string
	RegisteredAt time.Time
	LastSeen     time.Time
	CurrentJob   string
}

// ValidateQueueName checks that name can be used as a queue name
func ValidateQueueName(name string) error {
	if name == "" || len(name) > MaxQueueNameLength {
		return ErrInvalidQueue
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return ErrInvalidQueue
	}
	return nil
}
