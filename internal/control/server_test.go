package control

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue/memory"
	"github.com/cuongbtq/jobq/internal/registry"
	"github.com/cuongbtq/jobq/internal/scheduler"
	"github.com/cuongbtq/jobq/internal/worker"
)

const testMaxFrame = 4096

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketDir keeps paths under the sun_path limit
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "jq")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type env struct {
	sched *scheduler.Scheduler
	reg   *registry.Registry
	path  string
}

func startServer(t *testing.T, opts ...func(*Config)) *env {
	t.Helper()

	reg := registry.New()
	require.NoError(t, registry.RegisterBuiltins(reg))
	reg.Seal()

	sched, err := scheduler.New(&scheduler.Config{
		Store:    memory.New(),
		Registry: reg,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	path := filepath.Join(socketDir(t), "ctl.sock")
	cfg := &Config{
		Logger:        quietLogger(),
		Scheduler:     sched,
		SocketPath:    path,
		SocketMode:    0o660,
		MaxFrameBytes: testMaxFrame,
		IdleTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
		assert.NoError(t, <-served)
	})
	return &env{sched: sched, reg: reg, path: path}
}

func (e *env) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, e.path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func encode(t *testing.T, callable string, args ...any) []byte {
	t.Helper()
	p, err := codec.Encode(codec.Record{Callable: callable, Args: args})
	require.NoError(t, err)
	return p
}

func TestServer_SayEndToEnd(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)
	ctx := testCtx(t)

	pool, err := worker.NewPool(&worker.Config{
		Logger:      quietLogger(),
		Scheduler:   e.sched,
		Registry:    e.reg,
		Queues:      []string{"default"},
		Concurrency: 1,
		PollInitial: time.Millisecond,
		PollMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(ctx)

	id, status, err := c.Enqueue(ctx, "default", encode(t, registry.JobSay))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	var js *JobStatus
	require.Eventually(t, func() bool {
		js, err = c.Status(ctx, id)
		return err == nil && js.Status == domain.StatusSucceeded
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, `"Hello, world!"`, js.Result)
	assert.Equal(t, 0, js.Attempts)
	assert.Equal(t, scheduler.DefaultMaxAttempts, js.MaxAttempts)
}

func TestServer_FirstReceivedIsLeasedFirst(t *testing.T) {
	e := startServer(t)
	a := e.dial(t)
	b := e.dial(t)
	ctx := testCtx(t)

	first, _, err := a.Enqueue(ctx, "default", encode(t, registry.JobSay, "a"))
	require.NoError(t, err)
	second, _, err := b.Enqueue(ctx, "default", encode(t, registry.JobSay, "b"))
	require.NoError(t, err)

	job, err := e.sched.Lease(ctx, "default", "w1")
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)

	job, err = e.sched.Lease(ctx, "default", "w1")
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)
}

func TestServer_RejectedPayloadIsFailed(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)
	ctx := testCtx(t)

	id, status, err := c.Enqueue(ctx, "default", encode(t, "not_registered"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	js, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, js.Status)
	assert.Equal(t, `unknown job "not_registered"`, js.Error)
}

func TestServer_Cancel(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)
	ctx := testCtx(t)

	pending, _, err := c.Enqueue(ctx, "default", encode(t, registry.JobSay))
	require.NoError(t, err)
	leased, _, err := c.Enqueue(ctx, "default", encode(t, registry.JobSay))
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, pending))
	js, err := c.Status(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, js.Status)

	_, err = e.sched.Lease(ctx, "default", "w1")
	require.NoError(t, err)

	var perr *ProtocolError
	require.ErrorAs(t, c.Cancel(ctx, leased), &perr)
	assert.Equal(t, CodeConflict, perr.Code)

	require.ErrorAs(t, c.Cancel(ctx, pending), &perr)
	assert.Equal(t, CodeConflict, perr.Code)

	require.ErrorAs(t, c.Cancel(ctx, "no-such-job"), &perr)
	assert.Equal(t, CodeNotFound, perr.Code)
}

func TestServer_MalformedKeepsConnection(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)
	ctx := testCtx(t)

	tests := []struct {
		request string
		code    int
	}{
		{request: "", code: CodeMalformed},
		{request: "FROB x", code: CodeUnknownVerb},
		{request: "ENQUEUE", code: CodeMalformed},
		{request: "ENQUEUE default", code: CodeMalformed},
		{request: "STATUS", code: CodeMalformed},
		{request: "STATUS a b", code: CodeMalformed},
		{request: "STATUS missing", code: CodeNotFound},
		{request: "CANCEL", code: CodeMalformed},
		{request: "PING extra", code: CodeMalformed},
		{request: "STATS bad\tqueue", code: CodeMalformed},
	}

	for _, tt := range tests {
		_, err := c.Do(ctx, []byte(tt.request))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr, "request %q", tt.request)
		assert.Equal(t, tt.code, perr.Code, "request %q", tt.request)
	}

	// same connection still works
	require.NoError(t, c.Ping(ctx))
}

func TestServer_VerbsAreCaseInsensitive(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)

	body, err := c.Do(testCtx(t), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", body)
}

func TestServer_OversizeFrameClosesConnection(t *testing.T) {
	e := startServer(t)

	conn, err := net.Dial("unix", e.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, testMaxFrame+1)
	_, err = conn.Write(header)
	require.NoError(t, err)

	reply, err := ReadFrame(conn, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, "ERR 413 frame too large", string(reply))

	_, err = ReadFrame(conn, testMaxFrame)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_ReassemblesPartialFrames(t *testing.T) {
	e := startServer(t)

	conn, err := net.Dial("unix", e.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	frame := []byte{0, 0, 0, 4, 'P', 'I', 'N', 'G'}
	for _, b := range frame {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	reply, err := ReadFrame(conn, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, "OK PONG", string(reply))
}

func TestServer_StatsAndWorkers(t *testing.T) {
	e := startServer(t)
	c := e.dial(t)
	ctx := testCtx(t)

	stats, err := c.Stats(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, stats)

	for _, q := range []string{"a", "b", "b"} {
		_, _, err := c.Enqueue(ctx, q, encode(t, registry.JobSay))
		require.NoError(t, err)
	}
	job, err := e.sched.Lease(ctx, "b", "w1")
	require.NoError(t, err)

	stats, err = c.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Queue)
	assert.Equal(t, 1, stats[0].Pending)
	assert.Equal(t, 1, stats[1].Pending)
	assert.Equal(t, 1, stats[1].Leased)

	stats, err = c.Stats(ctx, "b")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "b", stats[0].Queue)

	lines, err := c.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "w1 last_seen=")
	assert.Contains(t, lines[0], "job="+job.ID)
}

func TestServer_ConnectionLimit(t *testing.T) {
	e := startServer(t, func(c *Config) { c.MaxConnections = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := Dial(ctx, e.path)
	require.NoError(t, err)
	require.NoError(t, first.Ping(testCtx(t)))

	conn, err := net.Dial("unix", e.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	reply, err := ReadFrame(conn, testMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, "ERR 503 too many connections", string(reply))
	_, err = ReadFrame(conn, testMaxFrame)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, first.Close())

	// the slot frees once the server notices the first client left
	require.Eventually(t, func() bool {
		dialCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		c, err := Dial(dialCtx, e.path)
		if err != nil {
			return false
		}
		defer c.Close()
		return c.Ping(dialCtx) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_ShutdownWhileClientsConnect(t *testing.T) {
	e := startServer(t)
	srv, err := NewServer(&Config{
		Logger:        quietLogger(),
		Scheduler:     e.sched,
		SocketPath:    filepath.Join(socketDir(t), "race.sock"),
		MaxFrameBytes: testMaxFrame,
		IdleTimeout:   time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	stop := make(chan struct{})
	dialers := make(chan struct{})
	go func() {
		defer close(dialers)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn, err := net.Dial("unix", srv.socketPath)
			if err != nil {
				continue
			}
			conn.Close()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	close(stop)
	<-dialers
	require.NoError(t, <-served)

	srv.mu.Lock()
	assert.Empty(t, srv.conns)
	srv.mu.Unlock()
	_, err = os.Stat(srv.socketPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServer_SocketFile(t *testing.T) {
	e := startServer(t)

	info, err := os.Stat(e.path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())

	// a second server must not steal a live socket
	srv, err := NewServer(&Config{Logger: quietLogger(), Scheduler: e.sched, SocketPath: e.path})
	require.NoError(t, err)
	err = srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestRemoveStaleSocket(t *testing.T) {
	dir := socketDir(t)

	t.Run("stale socket removed", func(t *testing.T) {
		path := filepath.Join(dir, "stale.sock")
		l, err := net.Listen("unix", path)
		require.NoError(t, err)
		l.(*net.UnixListener).SetUnlinkOnClose(false)
		require.NoError(t, l.Close())

		require.NoError(t, removeStaleSocket(path))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("regular file refused", func(t *testing.T) {
		path := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

		err := removeStaleSocket(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a socket")
	})

	t.Run("missing path", func(t *testing.T) {
		assert.NoError(t, removeStaleSocket(filepath.Join(dir, "none.sock")))
	})
}

func TestStatsLine(t *testing.T) {
	line := "default pending=1 leased=2 succeeded=3 failed=4 cancelled=5"
	st, err := ParseStats(line)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Leased)
	assert.Equal(t, line, FormatStats(st))

	_, err = ParseStats("garbage")
	assert.Error(t, err)
}
