package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobq/internal/admin"
	"github.com/cuongbtq/jobq/internal/config"
	"github.com/cuongbtq/jobq/internal/control"
	"github.com/cuongbtq/jobq/internal/cron"
	"github.com/cuongbtq/jobq/internal/metrics"
	"github.com/cuongbtq/jobq/internal/registry"
	"github.com/cuongbtq/jobq/internal/scheduler"
	"github.com/cuongbtq/jobq/internal/worker"
)

func main() {
	boot := bootstrapLogger()
	if err := run(boot); err != nil {
		boot.Error("jobqd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// run starts the daemon; boot logs until the configured logger exists
func run(boot *slog.Logger) error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		boot.Info("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("JOBQD_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/jobqd/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	role := flag.String("role", "", "Override app.role (all, control, worker)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *role != "" {
		cfg.App.Role = *role
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.WithAttrs(slog.String("role", cfg.App.Role))
	logger := appLogger.Logger
	component := func(name string) *slog.Logger {
		return appLogger.With("component", name).Logger
	}

	logger.Info("Starting jobqd",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(promRegistry)

	jobs := registry.New()
	if err := registry.RegisterBuiltins(jobs); err != nil {
		return fmt.Errorf("failed to register built-in jobs: %w", err)
	}
	jobs.Seal()

	store, err := initStore(ctx, &cfg.Store, component("store"))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", slog.Any("error", err))
		}
	}()

	publisher, closeEvents, err := initEvents(&cfg.Events, component("events"))
	if err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}
	defer closeEvents()

	sched, err := scheduler.New(&scheduler.Config{
		Store:              store,
		Registry:           jobs,
		Logger:             component("scheduler"),
		Metrics:            appMetrics,
		Events:             publisher,
		LeaseDuration:      cfg.Scheduler.LeaseDuration,
		MaxAttempts:        cfg.Scheduler.MaxAttempts,
		ReapInterval:       cfg.Scheduler.ReapInterval,
		WorkerTTL:          cfg.Scheduler.WorkerTTL,
		StoreRetryAttempts: cfg.Scheduler.StoreRetryAttempts,
		StoreRetry:         storeRetry(&cfg.Scheduler),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if runsControl(cfg.App.Role) {
		timetable, err := cron.NewRunner(sched, component("cron"), cronSchedules(cfg.Schedules))
		if err != nil {
			return fmt.Errorf("failed to load schedules: %w", err)
		}
		if err := startControl(gctx, g, cfg, sched, timetable, appMetrics, component("control")); err != nil {
			return err
		}

		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error { return timetable.Run(gctx) })

		if cfg.Admin.Enabled {
			adminServer := admin.NewServer(&admin.ServerConfig{
				Addr:            cfg.Admin.Addr,
				ReadTimeout:     cfg.Admin.ReadTimeout,
				WriteTimeout:    cfg.Admin.WriteTimeout,
				IdleTimeout:     cfg.Admin.IdleTimeout,
				ShutdownTimeout: cfg.Admin.ShutdownTimeout,
			}, &admin.Dependencies{
				Logger:    component("admin"),
				Scheduler: sched,
				Gatherer:  promRegistry,
			})
			g.Go(func() error { return adminServer.Run(gctx) })
		}
	}

	if runsWorkers(cfg.App.Role) {
		pool, err := worker.NewPool(&worker.Config{
			Logger:            component("worker"),
			Scheduler:         sched,
			Registry:          jobs,
			Metrics:           appMetrics,
			Queues:            cfg.Worker.Queues,
			Concurrency:       cfg.Worker.Concurrency,
			JobTimeout:        cfg.Worker.JobTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			PollInitial:       cfg.Worker.PollInitial,
			PollMax:           cfg.Worker.PollMax,
		})
		if err != nil {
			return fmt.Errorf("failed to create worker pool: %w", err)
		}
		if err := pool.Start(gctx); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
			defer cancel()
			return pool.Stop(shutdownCtx)
		})
	}

	logger.Info("jobqd started successfully")

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received signal, shut down gracefully")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("jobqd stopped with error", slog.Any("error", err))
		return err
	}

	logger.Info("jobqd shutdown complete")
	return nil
}

// startControl binds the socket before returning so a bad path fails startup
func startControl(ctx context.Context, g *errgroup.Group, cfg *config.Config, sched *scheduler.Scheduler, timetable *cron.Runner, m *metrics.Metrics, logger *slog.Logger) error {
	mode, err := cfg.Control.FileMode()
	if err != nil {
		return err
	}

	server, err := control.NewServer(&control.Config{
		Logger:         logger,
		Scheduler:      sched,
		Timetable:      timetable,
		Metrics:        m,
		SocketPath:     cfg.Control.SocketPath,
		SocketMode:     mode,
		SocketGroup:    cfg.Control.SocketGroup,
		MaxFrameBytes:  cfg.Control.MaxFrameBytes,
		MaxConnections: cfg.Control.MaxConnections,
		IdleTimeout:    cfg.Control.IdleTimeout,
		CommandTimeout: cfg.Control.CommandTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}
	if err := server.Listen(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	g.Go(func() error {
		serveErr := server.Serve(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Control server shutdown incomplete", slog.Any("error", err))
		}
		return serveErr
	})
	return nil
}

func runsControl(role string) bool {
	return role == config.RoleAll || role == config.RoleControl
}

func runsWorkers(role string) bool {
	return role == config.RoleAll || role == config.RoleWorker
}

func cronSchedules(in []config.ScheduleConfig) []cron.Schedule {
	out := make([]cron.Schedule, 0, len(in))
	for _, s := range in {
		out = append(out, cron.Schedule{
			Name:     s.Name,
			Spec:     s.Spec,
			Queue:    s.Queue,
			Callable: s.Callable,
			Args:     s.Args,
			Kwargs:   s.Kwargs,
		})
	}
	return out
}
