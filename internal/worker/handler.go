package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"vigil/internal/tasks"
)

// HandleAnalysisRun adapts the Processor to asynq. fallbackMax is used when
// the task context carries no retry metadata.
func HandleAnalysisRun(p *Processor, fallbackMax int) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, err := tasks.DecodeAnalysisPayload(t.Payload())
		if err != nil {
			// A malformed payload will never succeed.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return p.Process(ctx, payload.AnalysisID, attemptFromContext(ctx, fallbackMax))
	}
}

// attemptFromContext derives the attempt from asynq's retry counters.
func attemptFromContext(ctx context.Context, fallbackMax int) Attempt {
	att := Attempt{Number: 1, Max: fallbackMax}
	if retried, ok := asynq.GetRetryCount(ctx); ok {
		att.Number = retried + 1
	}
	if maxRetry, ok := asynq.GetMaxRetry(ctx); ok {
		att.Max = maxRetry + 1
	}
	if att.Max < 1 {
		att.Max = 1
	}
	return att
}

// RegisterHandlers wires the analysis handler and its middleware onto mux.
func RegisterHandlers(mux *asynq.ServeMux, p *Processor, policy tasks.RetryPolicy, mws ...asynq.MiddlewareFunc) {
	mux.Use(mws...)
	mux.HandleFunc(tasks.TypeAnalysisRun, HandleAnalysisRun(p, policy.MaxAttempts))
}
