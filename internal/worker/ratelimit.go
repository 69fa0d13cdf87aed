package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewLimiter spaces job starts window/limit apart, so no half-open window of
// length window ever holds more than limit starts.
func NewLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}

// RateLimit holds a job until the limiter grants its start. The worker runs
// one job at a time, so the waiting job keeps the slot and nothing is handed
// back to the broker.
func RateLimit(l *rate.Limiter) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			start := time.Now()
			if err := l.Wait(ctx); err != nil {
				return fmt.Errorf("wait for rate limit: %w", err)
			}
			if waited := time.Since(start); waited > time.Millisecond {
				log.WithFields(log.Fields{"type": t.Type(), "waited": waited}).Debug("Rate limit delayed job start")
			}
			return next.ProcessTask(ctx, t)
		})
	}
}
