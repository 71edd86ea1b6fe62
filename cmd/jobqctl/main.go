// Command jobqctl talks to a running jobqd over its control socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobq/internal/codec"
	"github.com/cuongbtq/jobq/internal/config"
	"github.com/cuongbtq/jobq/internal/control"
)

const usage = `usage: jobqctl [flags] <command> [args]

commands:
  ping                                   check the daemon is up
  enqueue [-kwargs JSON] <queue> <callable> [JSON-ARGS]
                                         submit a job; JSON-ARGS is an array
  status <job-id>                        show a job
  cancel <job-id>                        cancel a pending job
  stats [queue]                          per-queue counts
  workers                                live workers
  schedule [-kwargs JSON] <name> <queue> <spec> <callable> [JSON-ARGS]
                                         add a recurring job; quote the spec
  unschedule <name>                      remove a recurring job
  schedules                              list recurring jobs
  print-config                           effective daemon configuration

flags:
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "jobqctl:", err)
		}
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	socketPath string
	timeout    time.Duration
	stdout     io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cli{stdout: stdout}

	defaultConfigPath := os.Getenv("JOBQD_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/jobqd/config.yaml"
	}

	fs := flag.NewFlagSet("jobqctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.configPath, "config", defaultConfigPath, "Path to the daemon configuration file")
	fs.StringVar(&c.socketPath, "socket", "", "Control socket path (default from config)")
	fs.DurationVar(&c.timeout, "timeout", 10*time.Second, "Per-command timeout")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "print-config" {
		return c.printConfig()
	}

	handlers := map[string]func(context.Context, *control.Client, []string) error{
		"ping":    c.ping,
		"enqueue": c.enqueue,
		"status":  c.status,
		"cancel":  c.cancel,
		"stats":   c.stats,
		"workers": c.workers,

		"schedule":   c.schedule,
		"unschedule": c.unschedule,
		"schedules":  c.schedules,
	}
	handler, ok := handlers[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	socketPath, err := c.resolveSocket()
	if err != nil {
		return err
	}
	client, err := control.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return handler(ctx, client, rest)
}

// resolveSocket prefers -socket, then the config file and its env overrides
func (c *cli) resolveSocket() (string, error) {
	if c.socketPath != "" {
		return c.socketPath, nil
	}
	path := c.configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Control.SocketPath, nil
}

func (c *cli) ping(ctx context.Context, client *control.Client, args []string) error {
	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "pong")
	return nil
}

func (c *cli) enqueue(ctx context.Context, client *control.Client, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kwargsJSON := fs.String("kwargs", "", "JSON object of keyword arguments")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return errors.New("enqueue: want <queue> <callable> [JSON-ARGS]")
	}

	payload, err := encodeCall(fs.Arg(1), fs.Arg(2), *kwargsJSON)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	id, status, err := client.Enqueue(ctx, fs.Arg(0), payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s %s\n", id, status)
	return nil
}

// encodeCall builds a payload; argsJSON and kwargsJSON may be empty
func encodeCall(callable, argsJSON, kwargsJSON string) ([]byte, error) {
	rec := codec.Record{Callable: callable}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
			return nil, fmt.Errorf("args must be a JSON array: %w", err)
		}
	}
	if kwargsJSON != "" {
		if err := json.Unmarshal([]byte(kwargsJSON), &rec.Kwargs); err != nil {
			return nil, fmt.Errorf("kwargs must be a JSON object: %w", err)
		}
	}
	return codec.Encode(rec)
}

func (c *cli) schedule(ctx context.Context, client *control.Client, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kwargsJSON := fs.String("kwargs", "", "JSON object of keyword arguments")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if fs.NArg() < 4 || fs.NArg() > 5 {
		return errors.New("schedule: want <name> <queue> <spec> <callable> [JSON-ARGS]")
	}

	payload, err := encodeCall(fs.Arg(3), fs.Arg(4), *kwargsJSON)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	next, err := client.Schedule(ctx, fs.Arg(0), fs.Arg(1), fs.Arg(2), payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s next %s\n", fs.Arg(0), next.Format(time.RFC3339))
	return nil
}

func (c *cli) unschedule(ctx context.Context, client *control.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("unschedule: want <name>")
	}
	if err := client.Unschedule(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s removed\n", args[0])
	return nil
}

func (c *cli) schedules(ctx context.Context, client *control.Client, args []string) error {
	entries, err := client.Schedules(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.stdout, "no schedules")
		return nil
	}

	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tQUEUE\tCALLABLE\tNEXT\tSPEC")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Queue, e.Callable, e.Next.Format(time.RFC3339), e.Spec)
	}
	return w.Flush()
}

func (c *cli) status(ctx context.Context, client *control.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("status: want <job-id>")
	}
	st, err := client.Status(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", args[0])
	fmt.Fprintf(w, "status\t%s\n", st.Status)
	fmt.Fprintf(w, "attempts\t%d/%d\n", st.Attempts, st.MaxAttempts)
	if st.Result != "" {
		fmt.Fprintf(w, "result\t%s\n", st.Result)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", st.Error)
	}
	return w.Flush()
}

func (c *cli) cancel(ctx context.Context, client *control.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel: want <job-id>")
	}
	if err := client.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s cancelled\n", args[0])
	return nil
}

func (c *cli) stats(ctx context.Context, client *control.Client, args []string) error {
	if len(args) > 1 {
		return errors.New("stats: want at most one queue")
	}
	var queueName string
	if len(args) == 1 {
		queueName = args[0]
	}

	stats, err := client.Stats(ctx, queueName)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tLEASED\tSUCCEEDED\tFAILED\tCANCELLED")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Leased, s.Succeeded, s.Failed, s.Cancelled)
	}
	return w.Flush()
}

func (c *cli) workers(ctx context.Context, client *control.Client, args []string) error {
	lines, err := client.Workers(ctx)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Fprintln(c.stdout, "no live workers")
		return nil
	}
	fmt.Fprintln(c.stdout, strings.Join(lines, "\n"))
	return nil
}

// printConfig shows the configuration jobqd would run with, secrets masked
func (c *cli) printConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mask(&cfg.Store.Postgres.Password)
	mask(&cfg.Store.Redis.Password)
	mask(&cfg.Events.RabbitMQ.Password)

	enc := yaml.NewEncoder(c.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}
