package control

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/cron"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
)

// Scheduler is what the control commands call into
type Scheduler interface {
	Submit(ctx context.Context, queue string, payload []byte) (*domain.Job, error)
	Status(ctx context.Context, jobID string) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	AllStats(ctx context.Context) ([]queue.Stats, error)
	Ping(ctx context.Context) error
	Workers() []domain.Worker
}

// Timetable manages recurring schedules at runtime
type Timetable interface {
	Add(s cron.Schedule) error
	Remove(name string) error
	List(from time.Time) []cron.Entry
}

var _ Timetable = (*cron.Runner)(nil)

type command func(ctx context.Context, args []byte) (string, error)

func (s *Server) commands() map[string]command {
	return map[string]command{
		VerbEnqueue: s.enqueue,
		VerbStatus:  s.status,
		VerbCancel:  s.cancel,
		VerbPing:    s.ping,
		VerbStats:   s.stats,
		VerbWorkers: s.workers,

		VerbSchedule:   s.schedule,
		VerbUnschedule: s.unschedule,
		VerbSchedules:  s.schedules,
	}
}

// dispatch runs one request frame and returns the verb and reply frame
func (s *Server) dispatch(ctx context.Context, frame []byte) (string, []byte, *ProtocolError) {
	verbBytes, args, _ := bytes.Cut(frame, []byte(" "))
	verb := strings.ToUpper(string(verbBytes))
	if verb == "" {
		return "", nil, malformed("empty command")
	}

	cmd, ok := s.handlers[verb]
	if !ok {
		return "", nil, &ProtocolError{Code: CodeUnknownVerb, Msg: fmt.Sprintf("unknown command %q", truncate(verb, 32))}
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	body, err := cmd(ctx, args)
	if err != nil {
		return verb, nil, errorReply(err)
	}
	switch {
	case body == "":
		return verb, []byte(replyOK), nil
	case strings.HasPrefix(body, "\n"):
		return verb, []byte(replyOK + body), nil
	default:
		return verb, []byte(replyOK + " " + body), nil
	}
}

func (s *Server) enqueue(ctx context.Context, args []byte) (string, error) {
	queueName, payload, found := bytes.Cut(args, []byte(" "))
	if len(queueName) == 0 || !found || len(payload) == 0 {
		return "", malformed("usage: ENQUEUE <queue> <payload>")
	}

	job, err := s.scheduler.Submit(ctx, string(queueName), payload)
	if err != nil {
		return "", err
	}
	return job.ID + " " + job.Status.String(), nil
}

func (s *Server) status(ctx context.Context, args []byte) (string, error) {
	id, err := singleField(args, "usage: STATUS <job-id>")
	if err != nil {
		return "", err
	}

	job, err := s.scheduler.Status(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d/%d", job.Status, job.Attempts, job.MaxAttempts)
	switch {
	case job.Status == domain.StatusSucceeded && len(job.Result) > 0:
		b.WriteString("\nresult=")
		b.Write(job.Result)
	case job.Error != "":
		b.WriteString("\nerror=")
		b.WriteString(job.Error)
	}
	return b.String(), nil
}

func (s *Server) cancel(ctx context.Context, args []byte) (string, error) {
	id, err := singleField(args, "usage: CANCEL <job-id>")
	if err != nil {
		return "", err
	}
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		return "", err
	}
	return id + " " + domain.StatusCancelled.String(), nil
}

func (s *Server) ping(ctx context.Context, args []byte) (string, error) {
	if len(args) > 0 {
		return "", malformed("usage: PING")
	}
	if err := s.scheduler.Ping(ctx); err != nil {
		return "", err
	}
	return "PONG", nil
}

func (s *Server) stats(ctx context.Context, args []byte) (string, error) {
	var (
		all []queue.Stats
		err error
	)
	if len(args) == 0 {
		all, err = s.scheduler.AllStats(ctx)
	} else {
		var name string
		if name, err = singleField(args, "usage: STATS [queue]"); err != nil {
			return "", err
		}
		if err = domain.ValidateQueueName(name); err != nil {
			return "", err
		}
		var one queue.Stats
		one, err = s.scheduler.Stats(ctx, name)
		all = []queue.Stats{one}
	}
	if err != nil {
		return "", err
	}

	lines := make([]string, len(all))
	for i, st := range all {
		lines[i] = FormatStats(st)
	}
	return joinLines(lines), nil
}

func (s *Server) workers(_ context.Context, args []byte) (string, error) {
	if len(args) > 0 {
		return "", malformed("usage: WORKERS")
	}

	workers := s.scheduler.Workers()
	lines := make([]string, len(workers))
	for i, w := range workers {
		job := w.CurrentJob
		if job == "" {
			job = "-"
		}
		lines[i] = fmt.Sprintf("%s last_seen=%s job=%s", w.ID, w.LastSeen.UTC().Format(time.RFC3339), job)
	}
	return joinLines(lines), nil
}

var errNoTimetable = &ProtocolError{Code: CodeUnavailable, Msg: "schedules are not managed by this daemon"}

// schedule takes "<name> <queue> <spec>" then a newline then the payload.
// The spec may contain spaces; the payload is the same encoding as ENQUEUE.
func (s *Server) schedule(_ context.Context, args []byte) (string, error) {
	const usage = "usage: SCHEDULE <name> <queue> <spec>\\n<payload>"
	if s.timetable == nil {
		return "", errNoTimetable
	}

	head, payload, found := bytes.Cut(args, []byte("\n"))
	fields := strings.SplitN(string(head), " ", 3)
	if !found || len(payload) == 0 || len(fields) != 3 || fields[0] == "" || fields[1] == "" {
		return "", malformed("%s", usage)
	}
	spec := strings.TrimSpace(fields[2])
	if spec == "" {
		return "", malformed("%s", usage)
	}

	rec, err := codec.Decode(payload)
	if err != nil {
		return "", err
	}
	sched := cron.Schedule{
		Name:     fields[0],
		Queue:    fields[1],
		Spec:     spec,
		Callable: rec.Callable,
		Args:     rec.Args,
		Kwargs:   rec.Kwargs,
	}
	if err := s.timetable.Add(sched); err != nil {
		return "", err
	}
	s.logger.Info("Schedule added",
		slog.String("schedule", sched.Name),
		slog.String("queue", sched.Queue),
		slog.String("spec", sched.Spec),
	)

	next := ""
	for _, e := range s.timetable.List(time.Now()) {
		if e.Name == sched.Name {
			next = e.Next.UTC().Format(time.RFC3339)
		}
	}
	return sched.Name + " next=" + next, nil
}

func (s *Server) unschedule(_ context.Context, args []byte) (string, error) {
	if s.timetable == nil {
		return "", errNoTimetable
	}
	name, err := singleField(args, "usage: UNSCHEDULE <name>")
	if err != nil {
		return "", err
	}
	if err := s.timetable.Remove(name); err != nil {
		return "", err
	}
	s.logger.Info("Schedule removed", slog.String("schedule", name))
	return name + " removed", nil
}

func (s *Server) schedules(_ context.Context, args []byte) (string, error) {
	if s.timetable == nil {
		return "", errNoTimetable
	}
	if len(args) > 0 {
		return "", malformed("usage: SCHEDULES")
	}

	entries := s.timetable.List(time.Now())
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = FormatSchedule(e)
	}
	return joinLines(lines), nil
}

// FormatSchedule renders one SCHEDULES line. The spec comes last since it
// may contain spaces.
func FormatSchedule(e cron.Entry) string {
	return fmt.Sprintf("%s queue=%s callable=%s next=%s spec=%s",
		e.Name, e.Queue, e.Callable, e.Next.UTC().Format(time.RFC3339), e.Spec)
}

// ParseSchedule reads a line produced by FormatSchedule
func ParseSchedule(line string) (cron.Entry, error) {
	head, spec, ok := strings.Cut(line, " spec=")
	var (
		e    cron.Entry
		next string
	)
	if !ok {
		return cron.Entry{}, fmt.Errorf("failed to parse schedule line %q", line)
	}
	if _, err := fmt.Sscanf(head, "%s queue=%s callable=%s next=%s", &e.Name, &e.Queue, &e.Callable, &next); err != nil {
		return cron.Entry{}, fmt.Errorf("failed to parse schedule line %q: %w", line, err)
	}
	t, err := time.Parse(time.RFC3339, next)
	if err != nil {
		return cron.Entry{}, fmt.Errorf("failed to parse schedule line %q: %w", line, err)
	}
	e.Next = t
	e.Spec = spec
	return e, nil
}

// FormatStats renders one STATS line
func FormatStats(st queue.Stats) string {
	return fmt.Sprintf("%s pending=%d leased=%d succeeded=%d failed=%d cancelled=%d",
		st.Queue, st.Pending, st.Leased, st.Succeeded, st.Failed, st.Cancelled)
}

// ParseStats reads a line produced by FormatStats
func ParseStats(line string) (queue.Stats, error) {
	var st queue.Stats
	_, err := fmt.Sscanf(line, "%s pending=%d leased=%d succeeded=%d failed=%d cancelled=%d",
		&st.Queue, &st.Pending, &st.Leased, &st.Succeeded, &st.Failed, &st.Cancelled)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to parse stats line %q: %w", line, err)
	}
	return st, nil
}

// multi-line bodies start on the line after OK
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(lines, "\n")
}

func singleField(args []byte, usage string) (string, error) {
	field := string(args)
	if field == "" || strings.ContainsAny(field, " \t\r\n") {
		return "", malformed("%s", usage)
	}
	return field, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
