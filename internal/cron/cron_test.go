package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads map[string][][]byte
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, queue string, payload []byte) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.payloads == nil {
		f.payloads = map[string][][]byte{}
	}
	f.payloads[queue] = append(f.payloads[queue], payload)
	return &domain.Job{ID: "job-1", Queue: queue, Status: domain.StatusPending}, nil
}

func (f *fakeSubmitter) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads[queue])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRunner_Validation(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		errText  string
	}{
		{name: "missing name", schedule: Schedule{Spec: "@hourly", Queue: "q", Callable: "say"}, errText: "name is required"},
		{name: "bad spec", schedule: Schedule{Name: "x", Spec: "every tuesday", Queue: "q", Callable: "say"}, errText: "invalid spec"},
		{name: "bad queue", schedule: Schedule{Name: "x", Spec: "@hourly", Queue: "has space", Callable: "say"}, errText: "invalid queue"},
		{name: "no callable", schedule: Schedule{Name: "x", Spec: "@hourly", Queue: "q"}, errText: "callable is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(&fakeSubmitter{}, quietLogger(), []Schedule{tt.schedule})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	dup := Schedule{Name: "x", Spec: "@hourly", Queue: "q", Callable: "say"}
	_, err := NewRunner(&fakeSubmitter{}, quietLogger(), []Schedule{dup, dup})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRunner_Next(t *testing.T) {
	r, err := NewRunner(&fakeSubmitter{}, quietLogger(), []Schedule{
		{Name: "five", Spec: "*/5 * * * *", Queue: "q", Callable: "say"},
		{Name: "secs", Spec: "30 * * * * *", Queue: "q", Callable: "say"},
		{Name: "every", Spec: "@every 90s", Queue: "q", Callable: "say"},
	})
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 12, 2, 10, 0, time.UTC)
	tests := map[string]time.Time{
		"five":  time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		"secs":  time.Date(2024, 3, 1, 12, 2, 30, 0, time.UTC),
		"every": from.Add(90 * time.Second),
	}
	for name, want := range tests {
		got, err := r.Next(name, from)
		require.NoError(t, err)
		assert.Equal(t, want, got.UTC(), name)
	}

	_, err = r.Next("missing", from)
	assert.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestRunner_FireEncodesPayload(t *testing.T) {
	sub := &fakeSubmitter{}
	r, err := NewRunner(sub, quietLogger(), []Schedule{
		{Name: "hello", Spec: "@daily", Queue: "default", Callable: "say", Kwargs: map[string]any{"name": "cron"}},
	})
	require.NoError(t, err)

	job, err := r.Fire(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "default", job.Queue)

	require.Equal(t, 1, sub.count("default"))
	rec, err := codec.Decode(sub.payloads["default"][0])
	require.NoError(t, err)
	assert.Equal(t, "say", rec.Callable)
	assert.Equal(t, "cron", rec.Kwargs["name"])

	_, err = r.Fire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSchedule)

	sub.err = errors.New("store down")
	_, err = r.Fire(context.Background(), "hello")
	assert.Error(t, err)
}

func TestRunner_RunFiresOnTimetable(t *testing.T) {
	sub := &fakeSubmitter{}
	r, err := NewRunner(sub, quietLogger(), []Schedule{
		{Name: "tick", Spec: "@every 1s", Queue: "ticks", Callable: "say"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.count("ticks") >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunner_AddRemoveList(t *testing.T) {
	r, err := NewRunner(&fakeSubmitter{}, quietLogger(), []Schedule{
		{Name: "nightly", Spec: "0 3 * * *", Queue: "reports", Callable: "say"},
	})
	require.NoError(t, err)

	require.NoError(t, r.Add(Schedule{Name: "beat", Spec: "@every 1m", Queue: "default", Callable: "say", Args: []any{"hi"}}))

	err = r.Add(Schedule{Name: "beat", Spec: "@hourly", Queue: "default", Callable: "say"})
	assert.ErrorIs(t, err, ErrDuplicateSchedule)
	err = r.Add(Schedule{Name: "bad", Spec: "sometimes", Queue: "default", Callable: "say"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	err = r.Add(Schedule{Name: "two words", Spec: "@hourly", Queue: "default", Callable: "say"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	from := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := r.List(from)
	require.Len(t, entries, 2)
	assert.Equal(t, "beat", entries[0].Name)
	assert.Equal(t, from.Add(time.Minute), entries[0].Next)
	assert.Equal(t, []any{"hi"}, entries[0].Args)
	assert.Equal(t, "nightly", entries[1].Name)

	require.NoError(t, r.Remove("beat"))
	assert.ErrorIs(t, r.Remove("beat"), ErrUnknownSchedule)
	_, err = r.Fire(context.Background(), "beat")
	assert.ErrorIs(t, err, ErrUnknownSchedule)
	assert.Len(t, r.List(from), 1)
}

func TestRunner_AddWhileRunning(t *testing.T) {
	sub := &fakeSubmitter{}
	r, err := NewRunner(sub, quietLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.Add(Schedule{Name: "tick", Spec: "@every 1s", Queue: "late", Callable: "say"}))
	require.Eventually(t, func() bool { return sub.count("late") >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Remove("tick"))
	fired := sub.count("late")
	time.Sleep(1500 * time.Millisecond)
	assert.LessOrEqual(t, sub.count("late"), fired+1)

	cancel()
	require.NoError(t, <-done)
}
