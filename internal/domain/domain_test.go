package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusLeased, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusLeased, StatusSucceeded, true},
		{StatusLeased, StatusPending, true},
		{StatusLeased, StatusFailed, true},
		{StatusSucceeded, StatusPending, false},
		{StatusFailed, StatusLeased, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusLeased.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("Leased")
	require.NoError(t, err)
	assert.Equal(t, StatusLeased, st)

	_, err = ParseStatus("RUNNING")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestJob_Lease(t *testing.T) {
	now := time.Now()
	job := &Job{Status: StatusLeased, LeaseOwner: "w1", LeaseExpiresAt: now.Add(time.Second)}

	assert.True(t, job.LeaseActive("w1", now))
	assert.False(t, job.LeaseActive("w2", now))
	assert.False(t, job.LeaseExpired(now))
	assert.True(t, job.LeaseExpired(now.Add(time.Second)))
	assert.False(t, job.LeaseActive("w1", now.Add(time.Second)))
}

func TestJob_Clone(t *testing.T) {
	job := &Job{ID: "a", Payload: []byte{1, 2}, Result: []byte(`"ok"`)}
	c := job.Clone()
	c.Payload[0] = 9
	c.Result[0] = 'x'

	assert.Equal(t, byte(1), job.Payload[0])
	assert.Equal(t, byte('"'), job.Result[0])
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.ErrorIs(t, ValidateQueueName(""), ErrInvalidQueue)
	assert.ErrorIs(t, ValidateQueueName("two words"), ErrInvalidQueue)
	assert.ErrorIs(t, ValidateQueueName(strings.Repeat("q", MaxQueueNameLength+1)), ErrInvalidQueue)
}

type markedErr struct{ permanent bool }

func (e markedErr) Error() string   { return "marked" }
func (e markedErr) Permanent() bool { return e.permanent }

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"permanent", NewPermanentError(errors.New("bad input")), true},
		{"wrapped permanent", fmt.Errorf("handler: %w", NewPermanentError(errors.New("x"))), true},
		{"marker true", markedErr{permanent: true}, true},
		{"marker false", markedErr{permanent: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStoreError("push", cause)

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, "store push: connection refused", err.Error())
	assert.NoError(t, NewStoreError("push", nil))
}
