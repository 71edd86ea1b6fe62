// Package cron submits jobs on a timetable. Schedules come from the
// configuration at startup and may be added or removed while running; runtime
// changes last until the daemon exits.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/domain"
)

var (
	// ErrUnknownSchedule is returned for a name that is not on the timetable
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrDuplicateSchedule is returned when adding a name already in use
	ErrDuplicateSchedule = errors.New("duplicate schedule")
	// ErrInvalidSchedule wraps every validation failure of a new schedule
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Schedule describes one recurring job.
// Spec takes 5 or 6 fields (seconds first when 6) or a descriptor such as "@every 1m".
type Schedule struct {
	Name     string
	Spec     string
	Queue    string
	Callable string
	Args     []any
	Kwargs   map[string]any
}

// Submitter accepts encoded payloads
type Submitter interface {
	Submit(ctx context.Context, queue string, payload []byte) (*domain.Job, error)
}

var parser = robfigcron.NewParser(
	robfigcron.SecondOptional | robfigcron.Minute | robfigcron.Hour |
		robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
)

type entry struct {
	schedule Schedule
	payload  []byte
	id       robfigcron.EntryID
	timing   robfigcron.Schedule
}

// Entry is a schedule on the timetable and its next firing time
type Entry struct {
	Schedule
	Next time.Time
}

// Runner fires schedules and submits their jobs
type Runner struct {
	logger    *slog.Logger
	submitter Submitter
	cron      *robfigcron.Cron
	timeout   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	baseCtx context.Context
}

// NewRunner validates schedules and prepares their payloads
func NewRunner(submitter Submitter, logger *slog.Logger, schedules []Schedule) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:    logger,
		submitter: submitter,
		timeout:   10 * time.Second,
		entries:   make(map[string]*entry, len(schedules)),
		baseCtx:   context.Background(),
	}
	r.cron = robfigcron.New(
		robfigcron.WithParser(parser),
		robfigcron.WithLogger(slogAdapter{logger}),
		robfigcron.WithChain(robfigcron.Recover(slogAdapter{logger})),
	)

	for _, s := range schedules {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add puts s on the timetable
func (r *Runner) Add(s Schedule) error {
	if s.Name == "" || strings.ContainsAny(s.Name, " \t\r\n") {
		return fmt.Errorf("%w: schedule name is required and must not contain whitespace", ErrInvalidSchedule)
	}
	if err := domain.ValidateQueueName(s.Queue); err != nil {
		return fmt.Errorf("%w: schedule %q: %w", ErrInvalidSchedule, s.Name, err)
	}
	timing, err := parser.Parse(s.Spec)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: invalid spec %q: %w", ErrInvalidSchedule, s.Name, s.Spec, err)
	}
	payload, err := codec.Encode(codec.Record{Callable: s.Callable, Args: s.Args, Kwargs: s.Kwargs})
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %w", ErrInvalidSchedule, s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[s.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, s.Name)
	}
	e := &entry{schedule: s, payload: payload, timing: timing}
	e.id = r.cron.Schedule(timing, robfigcron.FuncJob(func() { r.fire(e) }))
	r.entries[s.Name] = e
	return nil
}

// Remove takes the named schedule off the timetable. A run already in
// progress completes.
func (r *Runner) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	r.cron.Remove(e.id)
	delete(r.entries, name)
	return nil
}

// List returns the timetable sorted by name with firing times after from
func (r *Runner) List(from time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Entry{Schedule: e.schedule, Next: e.timing.Next(from)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) lookup(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return e, nil
}

// Run starts the timetable and blocks until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	count := len(r.entries)
	r.mu.Unlock()

	r.logger.Info("Starting cron schedules", slog.Int("count", count))
	r.cron.Start()
	<-ctx.Done()

	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("Cron schedules stopped")
	return nil
}

// Fire submits the named schedule's job now
func (r *Runner) Fire(ctx context.Context, name string) (*domain.Job, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return r.submit(ctx, e)
}

// Next returns when the named schedule fires next after from
func (r *Runner) Next(name string, from time.Time) (time.Time, error) {
	e, err := r.lookup(name)
	if err != nil {
		return time.Time{}, err
	}
	return e.timing.Next(from), nil
}

func (r *Runner) fire(e *entry) {
	r.mu.Lock()
	base := r.baseCtx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()
	_, _ = r.submit(ctx, e)
}

func (r *Runner) submit(ctx context.Context, e *entry) (*domain.Job, error) {
	job, err := r.submitter.Submit(ctx, e.schedule.Queue, e.payload)
	if err != nil {
		r.logger.Error("Failed to submit scheduled job",
			slog.String("schedule", e.schedule.Name),
			slog.String("queue", e.schedule.Queue),
			slog.Any("error", err),
		)
		return nil, err
	}
	r.logger.Info("Scheduled job submitted",
		slog.String("schedule", e.schedule.Name),
		slog.String("job_id", job.ID),
		slog.String("status", job.Status.String()),
	)
	return job, nil
}

// slogAdapter satisfies robfig/cron's logger
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
