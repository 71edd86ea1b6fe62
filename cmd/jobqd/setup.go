package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/backoff"
	"github.com/cuongbtq/jobq/internal/config"
	"github.com/cuongbtq/jobq/internal/events"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/cuongbtq/jobq/internal/queue/memory"
	"github.com/cuongbtq/jobq/internal/queue/redisstore"
	"github.com/cuongbtq/jobq/internal/queue/sqlstore"
	"github.com/cuongbtq/jobq/shared/logger"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
	"github.com/cuongbtq/jobq/shared/redisdb"
	"github.com/cuongbtq/jobq/shared/sqldb"
)

// bootstrapLogger writes to stderr before the configuration is loaded
func bootstrapLogger() *slog.Logger {
	return logger.NewDefault().Logger
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initStore opens the configured queue store backend
func initStore(ctx context.Context, cfg *config.StoreConfig, logger *slog.Logger) (queue.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Using the in-memory store; jobs do not survive a restart")
		return memory.New(), nil

	case config.BackendPostgres, config.BackendSQLite:
		client, err := sqldb.NewClient(sqlConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(client.DB(), sqlstore.WithLogger(logger))
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		return store, nil

	case config.BackendRedis:
		client, err := redisdb.NewClient(ctx, &redisdb.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Redis.Prefix))
		}
		return redisstore.New(client, opts...), nil
	}
	return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
}

func sqlConfig(cfg *config.StoreConfig) *sqldb.Config {
	if cfg.Backend == config.BackendSQLite {
		return &sqldb.Config{
			Driver:      sqldb.DriverSQLite,
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		}
	}
	pg := cfg.Postgres
	return &sqldb.Config{
		Driver:          sqldb.DriverPostgres,
		Host:            pg.Host,
		Port:            pg.Port,
		User:            pg.User,
		Password:        pg.Password,
		Database:        pg.Database,
		SSLMode:         pg.SSLMode,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: pg.ConnMaxLifetime,
		ConnMaxIdleTime: pg.ConnMaxIdleTime,
	}
}

// initEvents returns the lifecycle event publisher and its cleanup
func initEvents(cfg *config.EventsConfig, logger *slog.Logger) (events.Publisher, func(), error) {
	if !cfg.Enabled {
		return events.Nop{}, func() {}, nil
	}

	client, err := initRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		return nil, nil, err
	}
	async := events.NewAsync(events.NewAMQP(client), cfg.Buffer, logger)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			logger.Warn("Events not fully delivered", slog.Any("error", err))
		}
		client.Close()
	}
	return async, cleanup, nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

func storeRetry(cfg *config.SchedulerConfig) backoff.Strategy {
	return backoff.NewJittered(cfg.StoreRetryInitial, cfg.StoreRetryMax)
}
