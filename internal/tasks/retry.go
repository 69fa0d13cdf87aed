package tasks

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAttempts is used when no attempt limit is configured.
const DefaultMaxAttempts = 3

// DefaultSchedule is the non-linear delay applied between attempts.
var DefaultSchedule = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// RetryPolicy bounds how many times a job runs and how long to wait between
// runs. Attempts are 1-indexed.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

// DefaultRetryPolicy returns 3 attempts on the 30s/60s/120s schedule.
func DefaultRetryPolicy() RetryPolicy {
	sched := make([]time.Duration, len(DefaultSchedule))
	copy(sched, DefaultSchedule)
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Schedule: sched}
}

// Delay returns the wait after the given failed attempt before the next one.
// Attempts beyond the schedule reuse its last entry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Schedule) {
		i = len(p.Schedule) - 1
	}
	return p.Schedule[i]
}

// MaxRetry converts the attempt limit into asynq's retry count.
func (p RetryPolicy) MaxRetry() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// Validate rejects policies that could never run a job or never back off.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if len(p.Schedule) == 0 {
		return fmt.Errorf("backoff schedule must have at least one entry")
	}
	for i, d := range p.Schedule {
		if d <= 0 {
			return fmt.Errorf("backoff schedule entry %d must be positive, got %s", i, d)
		}
	}
	return nil
}

// ParseSchedule parses a comma-separated list of durations, e.g. "30s,60s,120s".
func ParseSchedule(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("parse backoff entry %q: %w", part, err)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("backoff schedule %q is empty", s)
	}
	return out, nil
}
