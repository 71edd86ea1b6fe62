package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Call) (any, error) { return nil, nil }

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *Registry)
		regName string
		handler Handler
		wantErr error
		errText string
	}{
		{name: "valid", regName: "job", handler: noop},
		{name: "empty name", regName: "", handler: noop, wantErr: ErrEmptyName},
		{name: "nil handler", regName: "job", handler: nil, wantErr: ErrNilHandler},
		{
			name:    "duplicate",
			setup:   func(r *Registry) { r.MustRegister("job", noop) },
			regName: "job",
			handler: noop,
			errText: "already registered",
		},
		{
			name:    "sealed",
			setup:   func(r *Registry) { r.Seal() },
			regName: "job",
			handler: noop,
			wantErr: ErrSealed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			if tt.setup != nil {
				tt.setup(r)
			}

			err := r.Register(tt.regName, tt.handler)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := New()
	r.MustRegister("job", func(context.Context, Call) (any, error) { return "done", nil })

	h, err := r.Resolve("job")
	require.NoError(t, err)
	out, err := h(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	_, err = r.Resolve("missing")
	var unknown *UnknownJobError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
	assert.True(t, domain.IsPermanent(err))
}

func TestRegistry_Names(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, []string{JobEcho, JobFail, JobSay, JobSleep}, r.Names())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	r.MustRegister("job", noop)
	assert.Panics(t, func() { r.MustRegister("job", noop) })
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	out, err := say(ctx, Call{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", out)

	out, err = say(ctx, Call{Args: []any{"jobq"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello, jobq!", out)

	out, err = say(ctx, Call{Kwargs: map[string]any{"name": "kw"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello, kw!", out)

	out, err = echo(ctx, Call{Args: []any{int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"args": []any{int64(1)}, "kwargs": map[string]any(nil)}, out)

	_, err = fail(ctx, Call{})
	assert.ErrorIs(t, err, ErrRequestedFailure)
	assert.False(t, domain.IsPermanent(err))

	_, err = fail(ctx, Call{Kwargs: map[string]any{"permanent": true}})
	assert.ErrorIs(t, err, ErrRequestedFailure)
	assert.True(t, domain.IsPermanent(err))
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sleep(ctx, Call{Kwargs: map[string]any{"seconds": float64(5)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	out, err := sleep(context.Background(), Call{Kwargs: map[string]any{"seconds": 0.01}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept_seconds": 0.01}, out)
}
