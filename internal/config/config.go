package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vigil/internal/objstore"
	"vigil/internal/refgen"
	"vigil/internal/tasks"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Database struct {
		Driver           string        `mapstructure:"driver"` // "postgres" or "sqlite"
		DSN              string        `mapstructure:"dsn"`
		MaxConns         int32         `mapstructure:"max_conns"`
		StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	} `mapstructure:"database"`

	Redis struct {
		URL      string `mapstructure:"url"` // redis://[:password@]host:port/db, wins over Address
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Storage objstore.Config `mapstructure:"storage"`

	Queue struct {
		Name               string        `mapstructure:"name"`
		MaxAttempts        int           `mapstructure:"max_attempts"`
		Backoff            string        `mapstructure:"backoff"` // e.g. "30s,60s,120s"
		LockDuration       time.Duration `mapstructure:"lock_duration"`
		CompletedRetention time.Duration `mapstructure:"completed_retention"`
		CompletedMax       int           `mapstructure:"completed_max"`
		FailedRetention    time.Duration `mapstructure:"failed_retention"`
		JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
	} `mapstructure:"queue"`

	Worker struct {
		RateLimit       int           `mapstructure:"rate_limit"`
		RateWindow      time.Duration `mapstructure:"rate_window"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"worker"`

	Reference refgen.Config `mapstructure:"reference"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`
}

// SetDefaults registers every key so that environment overrides apply even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.statement_timeout", "5s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")

	v.SetDefault("queue.name", tasks.DefaultQueue)
	v.SetDefault("queue.max_attempts", tasks.DefaultMaxAttempts)
	v.SetDefault("queue.backoff", "30s,60s,120s")
	v.SetDefault("queue.lock_duration", "10m")
	v.SetDefault("queue.completed_retention", "24h")
	v.SetDefault("queue.completed_max", 1000)
	v.SetDefault("queue.failed_retention", "168h")
	v.SetDefault("queue.janitor_interval", "5m")

	v.SetDefault("worker.rate_limit", 10)
	v.SetDefault("worker.rate_window", "1m")
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("worker.poll_interval", "1s")

	v.SetDefault("reference.prefix", refgen.DefaultPrefix)
	v.SetDefault("reference.max_attempts", refgen.DefaultMaxAttempts)

	v.SetDefault("server.addr", "localhost")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnv maps conventional variable names onto config keys. VIGIL_<KEY>
// works for every key through AutomaticEnv.
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"database.dsn":       {"VIGIL_DATABASE_DSN", "DATABASE_URL"},
		"redis.url":          {"VIGIL_REDIS_URL", "REDIS_URL"},
		"storage.endpoint":   {"VIGIL_STORAGE_ENDPOINT", "STORAGE_ENDPOINT"},
		"storage.bucket":     {"VIGIL_STORAGE_BUCKET", "STORAGE_BUCKET"},
		"storage.region":     {"VIGIL_STORAGE_REGION", "STORAGE_REGION"},
		"storage.access_key": {"VIGIL_STORAGE_ACCESS_KEY", "STORAGE_ACCESS_KEY"},
		"storage.secret_key": {"VIGIL_STORAGE_SECRET_KEY", "STORAGE_SECRET_KEY"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// LoadConfig reads config.yaml from the working directory (if present) and
// the environment using the global viper instance.
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper(), "")
}

// Load reads configuration into v. An empty path searches the working
// directory for config.yaml.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// RetryPolicy builds the job retry policy from the queue settings.
func (c *Config) RetryPolicy() (tasks.RetryPolicy, error) {
	sched, err := tasks.ParseSchedule(c.Queue.Backoff)
	if err != nil {
		return tasks.RetryPolicy{}, err
	}
	p := tasks.RetryPolicy{MaxAttempts: c.Queue.MaxAttempts, Schedule: sched}
	return p, p.Validate()
}
