package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid wraps every configuration problem. Invalid configuration is
// fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports every missing or malformed value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	// Database
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		add("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required (or set DATABASE_URL)")
	}

	// Broker
	if strings.TrimSpace(c.Redis.URL) == "" && strings.TrimSpace(c.Redis.Address) == "" {
		add("redis.url or redis.address is required (or set REDIS_URL)")
	}

	// Storage
	for _, f := range []struct{ key, val string }{
		{"storage.endpoint", c.Storage.Endpoint},
		{"storage.bucket", c.Storage.Bucket},
		{"storage.region", c.Storage.Region},
		{"storage.access_key", c.Storage.AccessKey},
		{"storage.secret_key", c.Storage.SecretKey},
	} {
		if strings.TrimSpace(f.val) == "" {
			add("%s is required", f.key)
		}
	}

	// Queue
	if _, err := c.RetryPolicy(); err != nil {
		add("queue retry policy: %v", err)
	}
	if c.Queue.LockDuration <= 0 {
		add("queue.lock_duration must be positive")
	}
	if c.Queue.CompletedMax < 0 {
		add("queue.completed_max must not be negative")
	}

	// Worker
	if c.Worker.RateLimit <= 0 {
		add("worker.rate_limit must be positive")
	}
	if c.Worker.RateWindow <= 0 {
		add("worker.rate_window must be positive")
	}
	// A throttled job waits for its start slot inside the job lock.
	if c.Worker.RateLimit > 0 && c.Worker.RateWindow > 0 && c.Queue.LockDuration > 0 &&
		c.Worker.RateWindow/time.Duration(c.Worker.RateLimit) >= c.Queue.LockDuration {
		add("worker.rate_window / worker.rate_limit (%s) must be shorter than queue.lock_duration (%s)",
			c.Worker.RateWindow/time.Duration(c.Worker.RateLimit), c.Queue.LockDuration)
	}

	// Reference
	if strings.TrimSpace(c.Reference.Prefix) == "" {
		add("reference.prefix is required")
	}

	return errors.Join(errs...)
}
