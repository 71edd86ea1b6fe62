// Package control serves the daemon's Unix socket protocol.
//
// Every message is a frame: a 4-byte big-endian length followed by the
// body. Requests are "<VERB> <args>"; replies are "OK ..." or
// "ERR <code> <message>".
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/jobq/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Config holds control listener configuration
type Config struct {
	Logger    *slog.Logger
	Scheduler Scheduler
	Metrics   *metrics.Metrics
	// Timetable backs the schedule verbs; nil answers them with 503
	Timetable Timetable

	SocketPath string
	// SocketMode is applied to the socket file when non-zero
	SocketMode fs.FileMode
	// SocketGroup names the group that owns the socket file when set
	SocketGroup   string
	MaxFrameBytes int
	// MaxConnections caps concurrent clients; zero means unlimited
	MaxConnections int
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
}

// Server accepts control connections and dispatches their commands
type Server struct {
	logger    *slog.Logger
	scheduler Scheduler
	timetable Timetable
	metrics   *metrics.Metrics
	handlers  map[string]command

	socketPath     string
	socketMode     fs.FileMode
	socketGroup    string
	maxFrame       int
	idleTimeout    time.Duration
	commandTimeout time.Duration
	slots          *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a control server; call Listen then Serve
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("control: scheduler is required")
	}
	if cfg.SocketPath == "" {
		return nil, errors.New("control: socket path is required")
	}

	s := &Server{
		logger:         cfg.Logger,
		scheduler:      cfg.Scheduler,
		timetable:      cfg.Timetable,
		metrics:        cfg.Metrics,
		socketPath:     cfg.SocketPath,
		socketMode:     cfg.SocketMode,
		socketGroup:    cfg.SocketGroup,
		maxFrame:       cfg.MaxFrameBytes,
		idleTimeout:    cfg.IdleTimeout,
		commandTimeout: cfg.CommandTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}
	if s.maxFrame <= 0 {
		s.maxFrame = DefaultMaxFrameSize
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = 10 * time.Second
	}
	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	s.handlers = s.commands()
	return s, nil
}

// Listen binds the socket, replacing a stale socket file left by a previous run
func (s *Server) Listen() error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	if s.socketMode != 0 {
		if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
			listener.Close()
			return fmt.Errorf("failed to set socket mode: %w", err)
		}
	}
	if s.socketGroup != "" {
		if err := chownGroup(s.socketPath, s.socketGroup); err != nil {
			listener.Close()
			return err
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Control socket listening",
		slog.String("path", s.socketPath),
		slog.Int("max_frame_bytes", s.maxFrame),
	)
	return nil
}

// Serve accepts connections until ctx is done or Shutdown is called
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("control: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if s.slots != nil && !s.slots.TryAcquire(1) {
			s.refuse(conn)
			continue
		}
		if !s.track(conn) {
			s.release()
			conn.Close()
			return nil
		}
		go s.handleConn(ctx, conn)
	}
}

// ListenAndServe binds the socket and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown stops accepting, closes open connections and removes the socket file
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("control connections did not close: %w", ctx.Err())
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	s.logger.Info("Control socket closed", slog.String("path", s.socketPath))
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers conn with Shutdown. The WaitGroup is bumped under the same
// lock that Shutdown takes before waiting.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.release()
}

func (s *Server) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

// refuse answers a connection over the limit and hangs up
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	perr := &ProtocolError{Code: CodeUnavailable, Msg: "too many connections", Fatal: true}
	s.metrics.ControlCommands.WithLabelValues("unknown", strconv.Itoa(perr.Code)).Inc()
	s.logger.Warn("Refusing control connection", slog.String("reason", perr.Msg))
	_ = s.reply(conn, []byte(perr.Error()))
}

// handleConn reads frames until the peer leaves or the framing breaks
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	s.metrics.ControlConnections.Inc()
	defer s.metrics.ControlConnections.Dec()

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, err := ReadFrame(conn, s.maxFrame)
		if err != nil {
			s.readFailed(conn, err)
			return
		}

		verb, reply, perr := s.dispatch(ctx, frame)
		result := "ok"
		if perr != nil {
			result = strconv.Itoa(perr.Code)
			reply = []byte(perr.Error())
			s.logger.Debug("Control command rejected",
				slog.String("verb", verb),
				slog.Int("code", perr.Code),
				slog.String("message", perr.Msg),
			)
		}
		s.metrics.ControlCommands.WithLabelValues(verbLabel(verb), result).Inc()

		if err := s.reply(conn, reply); err != nil {
			s.logger.Debug("Failed to write control reply", slog.Any("error", err))
			return
		}
	}
}

func (s *Server) readFailed(conn net.Conn, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		perr := &ProtocolError{Code: CodeFrameTooLarge, Msg: "frame too large", Fatal: true}
		s.metrics.ControlCommands.WithLabelValues("unknown", strconv.Itoa(perr.Code)).Inc()
		s.logger.Warn("Closing control connection", slog.Any("error", err))
		_ = s.reply(conn, []byte(perr.Error()))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Debug("Closing idle control connection")
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.logger.Debug("Control peer left mid-frame")
	default:
		s.logger.Warn("Failed to read control frame", slog.Any("error", err))
	}
}

func (s *Server) reply(conn net.Conn, body []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.commandTimeout))
	return WriteFrame(conn, body)
}

func verbLabel(verb string) string {
	if verb == "" {
		return "unknown"
	}
	return strings.ToLower(verb)
}

// removeStaleSocket deletes a socket file nobody is listening on. A live
// socket or a non-socket file at path is an error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("refusing to replace %s: not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("failed to look up socket group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q for group %q: %w", g.Gid, group, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("failed to set socket group: %w", err)
	}
	return nil
}
