// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Async.Publish after Close
var ErrClosed = errors.New("event publisher closed")

// Type names a lifecycle transition
type Type string

// Event types
const (
	JobEnqueued  Type = "job.enqueued"
	JobRejected  Type = "job.rejected"
	JobLeased    Type = "job.leased"
	JobSucceeded Type = "job.succeeded"
	JobRequeued  Type = "job.requeued"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	LeaseReaped  Type = "lease.reaped"
)

// Event is the message body sent for every transition
type Event struct {
	Type     Type      `json:"type"`
	JobID    string    `json:"job_id"`
	Queue    string    `json:"queue"`
	Callable string    `json:"callable,omitempty"`
	Status   string    `json:"status,omitempty"`
	Attempts int       `json:"attempts"`
	WorkerID string    `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers events somewhere
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, Event) error { return nil }

// BrokerClient is the part of the RabbitMQ client the AMQP publisher needs
type BrokerClient interface {
	PublishWithRetry(ctx context.Context, routingSuffix string, body []byte, contentType string) error
}

// AMQP publishes events as JSON through a broker client
type AMQP struct {
	client BrokerClient
}

// NewAMQP creates a broker backed publisher
func NewAMQP(client BrokerClient) *AMQP {
	return &AMQP{client: client}
}

// Publish encodes event and sends it routed by its type
func (p *AMQP) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.PublishWithRetry(ctx, string(event.Type), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Async decouples callers from a slow publisher through a bounded buffer.
// Events are dropped with a warning when the buffer is full.
type Async struct {
	next    Publisher
	logger  *slog.Logger
	events  chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	timeout time.Duration
}

// NewAsync starts the delivery goroutine
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		logger:  logger,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go a.run()
	return a
}

// Publish enqueues event without blocking
func (a *Async) Publish(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.events <- event:
	default:
		a.dropped.Add(1)
		a.logger.Warn("Event buffer full, dropping event",
			slog.String("type", string(event.Type)),
			slog.String("job_id", event.JobID),
		)
	}
	return nil
}

// Dropped reports how many events were discarded
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, event); err != nil {
			a.logger.Warn("Failed to publish event",
				slog.String("type", string(event.Type)),
				slog.String("job_id", event.JobID),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to end
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
