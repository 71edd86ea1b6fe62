package config

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			require.NoError(t, cfg.Validate())

			assert.Equal(t, "/tmp/jobqd-test.sock", cfg.Control.SocketPath)
			assert.Equal(t, 65536, cfg.Control.MaxFrameBytes)
			assert.Equal(t, BackendSQLite, cfg.Store.Backend)
			assert.Equal(t, 2*time.Second, cfg.Store.SQLite.BusyTimeout)
			assert.Equal(t, 20*time.Second, cfg.Scheduler.LeaseDuration)
			assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
			assert.Equal(t, []string{"high", "default"}, cfg.Worker.Queues)
			assert.Equal(t, 8, cfg.Worker.Concurrency)
			require.Len(t, cfg.Schedules, 1)
			assert.Equal(t, "cron", cfg.Schedules[0].Kwargs["name"])

			// keys the file leaves out keep their defaults
			assert.Equal(t, 90*time.Second, cfg.Scheduler.WorkerTTL)
			assert.Equal(t, 256, cfg.Control.MaxConnections)
			assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
		})
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOBQ_SOCKET_PATH", "/run/jobq/env.sock")
	t.Setenv("JOBQ_STORE_BACKEND", "redis")
	t.Setenv("JOBQ_LOG_LEVEL", "WARN")
	t.Setenv("JOBQ_REDIS_ADDR", "redis:6380")
	t.Setenv("JOBQ_REDIS_PASSWORD", "secret")
	t.Setenv("JOBQ_POSTGRES_PASSWORD", "pgsecret")
	t.Setenv("JOBQ_WORKER_CONCURRENCY", "12")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/run/jobq/env.sock", cfg.Control.SocketPath)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, "secret", cfg.Store.Redis.Password)
	assert.Equal(t, "pgsecret", cfg.Store.Postgres.Password)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
}

func TestLoad_BadEnvConcurrency(t *testing.T) {
	t.Setenv("JOBQ_WORKER_CONCURRENCY", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOBQ_WORKER_CONCURRENCY")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:      "unknown role",
			mutate:    func(c *Config) { c.App.Role = "proxy" },
			errString: "role",
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Store.Backend = "mongo" },
			errString: "backend",
		},
		{
			name:      "missing socket path",
			mutate:    func(c *Config) { c.Control.SocketPath = "" },
			errString: "socket_path",
		},
		{
			name:      "bad socket mode",
			mutate:    func(c *Config) { c.Control.SocketMode = "rw-rw----" },
			errString: "invalid control socket_mode",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "concurrency",
		},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.Worker.Queues = nil },
			errString: "queues",
		},
		{
			name:      "lease too short",
			mutate:    func(c *Config) { c.Scheduler.LeaseDuration = 10 * time.Millisecond },
			errString: "lease_duration",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Store.Backend = BackendPostgres
				c.Store.Postgres.Host = ""
			},
			errString: "postgres host is required",
		},
		{
			name: "postgres port out of range",
			mutate: func(c *Config) {
				c.Store.Backend = BackendPostgres
				c.Store.Postgres.Port = 70000
			},
			errString: "invalid postgres port",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Store.Backend = BackendSQLite
				c.Store.SQLite.Path = ""
			},
			errString: "sqlite path is required",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Store.Backend = BackendRedis
				c.Store.Redis.Addr = ""
			},
			errString: "redis addr is required",
		},
		{
			name:      "worker role on memory store",
			mutate:    func(c *Config) { c.App.Role = RoleWorker },
			errString: "needs a shared store",
		},
		{
			name:      "heartbeat not shorter than lease",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = c.Scheduler.LeaseDuration },
			errString: "heartbeat_interval",
		},
		{
			name: "poll max below initial",
			mutate: func(c *Config) {
				c.Worker.PollInitial = 2 * time.Second
				c.Worker.PollMax = time.Second
			},
			errString: "poll_max",
		},
		{
			name: "events without exchange",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.RabbitMQ.Exchange.Name = ""
			},
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "events disabled skip rabbitmq checks",
			mutate: func(c *Config) {
				c.Events.RabbitMQ.Host = ""
			},
		},
		{
			name: "admin enabled without addr",
			mutate: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.Addr = ""
			},
			errString: "addr",
		},
		{
			name: "schedule missing callable",
			mutate: func(c *Config) {
				c.Schedules = []ScheduleConfig{{Name: "x", Spec: "@hourly", Queue: "default"}}
			},
			errString: "callable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestControlConfig_FileMode(t *testing.T) {
	tests := []struct {
		mode    string
		want    fs.FileMode
		wantErr bool
	}{
		{mode: "0660", want: 0o660},
		{mode: "600", want: 0o600},
		{mode: "", want: 0},
		{mode: "0999", wantErr: true},
		{mode: "1777", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ControlConfig{SocketMode: tt.mode}.FileMode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load("../../configs/jobqd/config.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "jobq.events", cfg.Events.RabbitMQ.Exchange.Name)
}
