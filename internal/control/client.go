package control

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/jobq/internal/cron"
	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
)

// Client speaks the control protocol over one connection
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	maxFrame int
}

// JobStatus is a parsed STATUS reply
type JobStatus struct {
	Status      domain.Status
	Attempts    int
	MaxAttempts int
	Result      string
	Error       string
}

// Dial connects to the control socket at path
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return &Client{conn: conn, maxFrame: DefaultMaxFrameSize}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one raw request and returns the OK body. ERR replies come back
// as *ProtocolError.
func (c *Client) Do(ctx context.Context, request []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := WriteFrame(c.conn, request); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	reply, err := ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return parseReply(reply)
}

func (c *Client) command(ctx context.Context, verb string, args ...string) (string, error) {
	parts := append([]string{verb}, args...)
	return c.Do(ctx, []byte(strings.Join(parts, " ")))
}

// Ping checks that the daemon and its store answer
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.command(ctx, VerbPing)
	if err != nil {
		return err
	}
	if body != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", body)
	}
	return nil
}

// Enqueue submits an encoded payload and returns the job id and its status
func (c *Client) Enqueue(ctx context.Context, queueName string, payload []byte) (string, domain.Status, error) {
	request := make([]byte, 0, len(VerbEnqueue)+len(queueName)+len(payload)+2)
	request = append(request, VerbEnqueue...)
	request = append(request, ' ')
	request = append(request, queueName...)
	request = append(request, ' ')
	request = append(request, payload...)

	body, err := c.Do(ctx, request)
	if err != nil {
		return "", "", err
	}

	id, statusText, ok := strings.Cut(body, " ")
	if !ok {
		return "", "", fmt.Errorf("unexpected enqueue reply %q", body)
	}
	status, err := domain.ParseStatus(statusText)
	if err != nil {
		return "", "", err
	}
	return id, status, nil
}

// Status fetches the state of a job
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	body, err := c.command(ctx, VerbStatus, jobID)
	if err != nil {
		return nil, err
	}

	head, detail, _ := strings.Cut(body, "\n")
	var (
		statusText string
		js         JobStatus
	)
	if _, err := fmt.Sscanf(head, "%s %d/%d", &statusText, &js.Attempts, &js.MaxAttempts); err != nil {
		return nil, fmt.Errorf("unexpected status reply %q: %w", body, err)
	}
	if js.Status, err = domain.ParseStatus(statusText); err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(detail, "result="):
		js.Result = strings.TrimPrefix(detail, "result=")
	case strings.HasPrefix(detail, "error="):
		js.Error = strings.TrimPrefix(detail, "error=")
	}
	return &js, nil
}

// Cancel cancels a pending job
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.command(ctx, VerbCancel, jobID)
	return err
}

// Stats returns counters for queueName, or for every queue when empty
func (c *Client) Stats(ctx context.Context, queueName string) ([]queue.Stats, error) {
	args := []string{}
	if queueName != "" {
		args = append(args, queueName)
	}
	body, err := c.command(ctx, VerbStats, args...)
	if err != nil {
		return nil, err
	}

	var out []queue.Stats
	for _, line := range splitLines(body) {
		st, err := ParseStats(line)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Workers returns one line per registered worker
func (c *Client) Workers(ctx context.Context) ([]string, error) {
	body, err := c.command(ctx, VerbWorkers)
	if err != nil {
		return nil, err
	}
	return splitLines(body), nil
}

// Schedule adds a recurring job and returns when it fires next
func (c *Client) Schedule(ctx context.Context, name, queueName, spec string, payload []byte) (time.Time, error) {
	if strings.Contains(spec, "\n") {
		return time.Time{}, fmt.Errorf("schedule spec must be one line")
	}
	request := make([]byte, 0, len(VerbSchedule)+len(name)+len(queueName)+len(spec)+len(payload)+4)
	request = append(request, VerbSchedule+" "+name+" "+queueName+" "+spec+"\n"...)
	request = append(request, payload...)

	body, err := c.Do(ctx, request)
	if err != nil {
		return time.Time{}, err
	}
	_, next, ok := strings.Cut(body, " next=")
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected schedule reply %q", body)
	}
	t, err := time.Parse(time.RFC3339, next)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected schedule reply %q: %w", body, err)
	}
	return t, nil
}

// Unschedule removes a recurring job
func (c *Client) Unschedule(ctx context.Context, name string) error {
	_, err := c.command(ctx, VerbUnschedule, name)
	return err
}

// Schedules lists the daemon's timetable
func (c *Client) Schedules(ctx context.Context) ([]cron.Entry, error) {
	body, err := c.command(ctx, VerbSchedules)
	if err != nil {
		return nil, err
	}

	var out []cron.Entry
	for _, line := range splitLines(body) {
		e, err := ParseSchedule(line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func splitLines(body string) []string {
	body = strings.TrimPrefix(body, "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}
