package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu     sync.Mutex
	bodies [][]byte
	keys   []string
	err    error
	block  chan struct{}
}

func (f *fakeBroker) PublishWithRetry(ctx context.Context, routingSuffix string, body []byte, contentType string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	f.keys = append(f.keys, routingSuffix)
	return nil
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAMQP_Publish(t *testing.T) {
	broker := &fakeBroker{}
	p := NewAMQP(broker)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Event{Type: JobSucceeded, JobID: "a", Queue: "default", At: at})
	require.NoError(t, err)
	require.Equal(t, 1, broker.count())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(broker.bodies[0], &decoded))
	assert.Equal(t, "job.succeeded", decoded["type"])
	assert.Equal(t, "a", decoded["job_id"])
	assert.Equal(t, "2024-03-01T12:00:00Z", decoded["at"])
	assert.Equal(t, []string{"job.succeeded"}, broker.keys)

	broker.err = errors.New("channel closed")
	err = p.Publish(context.Background(), Event{Type: JobFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	broker := &fakeBroker{}
	a := NewAsync(NewAMQP(broker), 16, quietLogger())

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Publish(context.Background(), Event{Type: JobEnqueued}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 10, broker.count())
	assert.Equal(t, int64(0), a.Dropped())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	broker := &fakeBroker{block: make(chan struct{})}
	a := NewAsync(NewAMQP(broker), 1, quietLogger())

	// one event held by the blocked publisher, one in the buffer, the rest dropped
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(context.Background(), Event{Type: JobEnqueued}))
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, a.Dropped(), int64(3))

	close(broker.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}

func TestAsync_PublishAfterClose(t *testing.T) {
	broker := &fakeBroker{}
	a := NewAsync(NewAMQP(broker), 4, quietLogger())

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	err := a.Publish(context.Background(), Event{Type: JobLeased})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, broker.count())
}
