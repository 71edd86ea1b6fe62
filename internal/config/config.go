package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Daemon roles
const (
	RoleAll     = "all"
	RoleControl = "control"
	RoleWorker  = "worker"
)

// Config represents the complete daemon configuration
type Config struct {
	App       AppConfig        `yaml:"app"`
	Logging   LoggingConfig    `yaml:"logging"`
	Control   ControlConfig    `yaml:"control"`
	Store     StoreConfig      `yaml:"store"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Worker    WorkerConfig     `yaml:"worker"`
	Events    EventsConfig     `yaml:"events"`
	Admin     AdminConfig      `yaml:"admin"`
	Schedules []ScheduleConfig `yaml:"schedules" validate:"dive"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// Role selects which components run: all, control or worker
	Role string `yaml:"role" validate:"oneof=all control worker"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" validate:"oneof=debug info warn error"`
	Format       string `yaml:"format" validate:"oneof=console json"`
	Output       string `yaml:"output" validate:"required"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ControlConfig holds the Unix socket listener configuration
type ControlConfig struct {
	SocketPath string `yaml:"socket_path" validate:"required"`
	// SocketMode is an octal permission string such as "0660"
	SocketMode     string        `yaml:"socket_mode"`
	SocketGroup    string        `yaml:"socket_group"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes" validate:"min=64"`
	MaxConnections int           `yaml:"max_connections" validate:"min=1"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"min=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=1ms"`
}

// StoreConfig selects and configures the queue store
type StoreConfig struct {
	Backend  string         `yaml:"backend" validate:"oneof=memory postgres sqlite redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SQLiteConfig holds the SQLite database file settings
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size" validate:"min=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SchedulerConfig holds lease and retry settings
type SchedulerConfig struct {
	LeaseDuration      time.Duration `yaml:"lease_duration" validate:"min=1s"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=1"`
	ReapInterval       time.Duration `yaml:"reap_interval" validate:"min=10ms"`
	WorkerTTL          time.Duration `yaml:"worker_ttl" validate:"min=1s"`
	StoreRetryAttempts int           `yaml:"store_retry_attempts" validate:"min=1"`
	StoreRetryInitial  time.Duration `yaml:"store_retry_initial" validate:"min=1ms"`
	StoreRetryMax      time.Duration `yaml:"store_retry_max" validate:"min=1ms"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency" validate:"min=1"`
	Queues            []string      `yaml:"queues" validate:"min=1,dive,required"`
	JobTimeout        time.Duration `yaml:"job_timeout" validate:"min=1ms"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"min=0"`
	PollInitial       time.Duration `yaml:"poll_initial" validate:"min=1ms"`
	PollMax           time.Duration `yaml:"poll_max" validate:"min=1ms"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"min=1s"`
}

// EventsConfig holds lifecycle event publishing configuration
type EventsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Buffer   int            `yaml:"buffer" validate:"min=1"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds an optional RabbitMQ queue bound to the exchange
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ScheduleConfig describes one cron schedule
type ScheduleConfig struct {
	Name     string         `yaml:"name" validate:"required"`
	Spec     string         `yaml:"spec" validate:"required"`
	Queue    string         `yaml:"queue" validate:"required"`
	Callable string         `yaml:"callable" validate:"required"`
	Args     []any          `yaml:"args"`
	Kwargs   map[string]any `yaml:"kwargs"`
}

// Default returns the configuration used for every key a file leaves out
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "jobqd",
			Version:     "dev",
			Environment: "development",
			Role:        RoleAll,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Control: ControlConfig{
			SocketPath:     "/tmp/jobqd.sock",
			SocketMode:     "0660",
			MaxFrameBytes:  1 << 20,
			MaxConnections: 256,
			IdleTimeout:    5 * time.Minute,
			CommandTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				User:            "postgres",
				Database:        "jobq",
				SSLMode:         "disable",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			SQLite: SQLiteConfig{
				Path:        "jobq.db",
				BusyTimeout: 5 * time.Second,
			},
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				Prefix:       "jobq",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			LeaseDuration:      30 * time.Second,
			MaxAttempts:        3,
			ReapInterval:       5 * time.Second,
			WorkerTTL:          90 * time.Second,
			StoreRetryAttempts: 5,
			StoreRetryInitial:  50 * time.Millisecond,
			StoreRetryMax:      2 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			Queues:          []string{"default"},
			JobTimeout:      5 * time.Minute,
			PollInitial:     50 * time.Millisecond,
			PollMax:         time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Events: EventsConfig{
			Buffer: 1024,
			RabbitMQ: RabbitMQConfig{
				Host:     "localhost",
				Port:     5672,
				User:     "guest",
				Password: "guest",
				VHost:    "/",
				Exchange: ExchangeConfig{
					Name:    "jobq.events",
					Type:    "topic",
					Durable: true,
				},
				RoutingKey: "jobq",
				Connection: ConnectionConfig{
					RetryAttempts:     5,
					RetryInterval:     2 * time.Second,
					Heartbeat:         10 * time.Second,
					ConnectionTimeout: 5 * time.Second,
				},
				Publish: PublishConfig{
					RetryAttempts:     3,
					RetryInterval:     100 * time.Millisecond,
					BackoffMultiplier: 2,
				},
			},
		},
		Admin: AdminConfig{
			Addr:            "127.0.0.1:9090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the configuration file over the defaults and applies
// environment overrides. An empty path skips the file.
func Load(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return config, nil
}

// applyEnv overrides fields from JOBQ_* environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("JOBQ_SOCKET_PATH"); v != "" {
		c.Control.SocketPath = v
	}
	if v := os.Getenv("JOBQ_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("JOBQ_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("JOBQ_POSTGRES_PASSWORD"); v != "" {
		c.Store.Postgres.Password = v
	}
	if v := os.Getenv("JOBQ_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("JOBQ_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("JOBQ_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing JOBQ_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := c.Control.FileMode(); err != nil {
		return err
	}
	if err := c.ValidateStoreConfig(); err != nil {
		return err
	}
	if err := c.ValidateWorkerConfig(); err != nil {
		return err
	}
	if c.Events.Enabled {
		if err := c.ValidateEventsConfig(); err != nil {
			return err
		}
	}
	if c.Scheduler.StoreRetryMax < c.Scheduler.StoreRetryInitial {
		return errors.New("scheduler store_retry_max must not be less than store_retry_initial")
	}
	return nil
}

// ValidateStoreConfig checks the settings of the selected backend
func (c *Config) ValidateStoreConfig() error {
	switch c.Store.Backend {
	case BackendPostgres:
		pg := c.Store.Postgres
		if pg.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if pg.Port < MinPort || pg.Port > MaxPort {
			return fmt.Errorf("invalid postgres port: %d (must be between %d and %d)", pg.Port, MinPort, MaxPort)
		}
		if pg.Database == "" {
			return fmt.Errorf("postgres database name is required")
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case BackendMemory:
		if c.App.Role == RoleWorker {
			return fmt.Errorf("role %q needs a shared store, not %q", RoleWorker, BackendMemory)
		}
	}
	return nil
}

// ValidateWorkerConfig checks worker timings against the lease
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.PollMax < c.Worker.PollInitial {
		return fmt.Errorf("worker poll_max must not be less than poll_initial")
	}
	if hb := c.Worker.HeartbeatInterval; hb > 0 && hb >= c.Scheduler.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval (%s) must be shorter than scheduler lease_duration (%s)",
			hb, c.Scheduler.LeaseDuration)
	}
	return nil
}

// ValidateEventsConfig checks the RabbitMQ settings used for events
func (c *Config) ValidateEventsConfig() error {
	mq := c.Events.RabbitMQ
	if mq.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if mq.Port < MinPort || mq.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", mq.Port, MinPort, MaxPort)
	}
	if mq.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}

// FileMode parses SocketMode; zero means leave the mode alone
func (c ControlConfig) FileMode() (fs.FileMode, error) {
	if c.SocketMode == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("invalid control socket_mode %q: want an octal permission such as 0660", c.SocketMode)
	}
	return fs.FileMode(mode), nil
}
