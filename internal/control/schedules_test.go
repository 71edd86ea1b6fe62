package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/cron"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/registry"
)

func withTimetable(t *testing.T, out **cron.Runner) func(*Config) {
	return func(c *Config) {
		r, err := cron.NewRunner(c.Scheduler, quietLogger(), nil)
		require.NoError(t, err)
		c.Timetable = r
		*out = r
	}
}

func TestServer_ScheduleLifecycle(t *testing.T) {
	var runner *cron.Runner
	e := startServer(t, withTimetable(t, &runner))
	c := e.dial(t)
	ctx := testCtx(t)

	next, err := c.Schedule(ctx, "greet", "default", "*/5 * * * *", encode(t, registry.JobSay, "cron"))
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().Add(-time.Second)))
	assert.Zero(t, next.Minute()%5)

	_, err = c.Schedule(ctx, "hourly", "reports", "@every 1h", encode(t, registry.JobSay))
	require.NoError(t, err)

	entries, err := c.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "greet", entries[0].Name)
	assert.Equal(t, "default", entries[0].Queue)
	assert.Equal(t, registry.JobSay, entries[0].Callable)
	assert.Equal(t, "*/5 * * * *", entries[0].Spec)
	assert.Equal(t, "hourly", entries[1].Name)

	// the added schedule submits through the daemon's scheduler
	job, err := runner.Fire(ctx, "greet")
	require.NoError(t, err)
	st, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pending", st.Status.String())

	require.NoError(t, c.Unschedule(ctx, "greet"))
	entries, err = c.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hourly", entries[0].Name)
}

func TestServer_ScheduleErrors(t *testing.T) {
	var runner *cron.Runner
	e := startServer(t, withTimetable(t, &runner))
	c := e.dial(t)
	ctx := testCtx(t)

	_, err := c.Schedule(ctx, "dup", "default", "@hourly", encode(t, registry.JobSay))
	require.NoError(t, err)

	tests := []struct {
		name    string
		request string
		code    int
	}{
		{name: "duplicate name", request: "SCHEDULE dup default @daily\n" + string(encode(t, registry.JobSay)), code: CodeConflict},
		{name: "bad spec", request: "SCHEDULE other default whenever\n" + string(encode(t, registry.JobSay)), code: CodeMalformed},
		{name: "bad queue", request: "SCHEDULE other " + strings.Repeat("q", domain.MaxQueueNameLength+1) + " @daily\n" + string(encode(t, registry.JobSay)), code: CodeMalformed},
		{name: "missing payload", request: "SCHEDULE other default @daily", code: CodeMalformed},
		{name: "missing spec", request: "SCHEDULE other default\n" + string(encode(t, registry.JobSay)), code: CodeMalformed},
		{name: "undecodable payload", request: "SCHEDULE other default @daily\nnot-a-payload", code: CodeMalformed},
		{name: "unschedule unknown", request: "UNSCHEDULE nope", code: CodeNotFound},
		{name: "unschedule usage", request: "UNSCHEDULE", code: CodeMalformed},
		{name: "schedules takes no args", request: "SCHEDULES now", code: CodeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Do(ctx, []byte(tt.request))
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.code, perr.Code, perr.Msg)
		})
	}

	entries, err := c.Schedules(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestServer_SchedulesWithoutTimetable(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)

	_, err := c.Schedules(testCtx(t))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnavailable, perr.Code)
}

func TestScheduleLine(t *testing.T) {
	e := cron.Entry{
		Schedule: cron.Schedule{Name: "nightly", Queue: "reports", Callable: "say", Spec: "0 3 * * 1-5"},
		Next:     time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC),
	}
	line := FormatSchedule(e)
	assert.Equal(t, "nightly queue=reports callable=say next=2024-03-04T03:00:00Z spec=0 3 * * 1-5", line)

	got, err := ParseSchedule(line)
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.Spec, got.Spec)
	assert.True(t, e.Next.Equal(got.Next))

	_, err = ParseSchedule("garbage")
	assert.Error(t, err)
}

func TestClient_ScheduleRejectsMultilineSpec(t *testing.T) {
	var runner *cron.Runner
	e := startServer(t, withTimetable(t, &runner))
	c := e.dial(t)

	_, err := c.Schedule(context.Background(), "x", "default", "@daily\nUNSCHEDULE y", encode(t, registry.JobSay))
	assert.Error(t, err)
}
