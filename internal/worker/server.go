package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"vigil/internal/tasks"
)

// ServerConfig holds the worker process settings.
type ServerConfig struct {
	Queue           string
	Policy          tasks.RetryPolicy
	RateLimit       int
	RateWindow      time.Duration
	ShutdownTimeout time.Duration
	// PollInterval is how often idle queues and due retries are checked.
	// Zero keeps asynq's defaults.
	PollInterval time.Duration
}

// brokerPingTimeout bounds the startup connectivity check.
const brokerPingTimeout = 5 * time.Second

// Server consumes analysis jobs one at a time.
type Server struct {
	srv      *asynq.Server
	mux      *asynq.ServeMux
	janitor  *Janitor
	cfg      ServerConfig
	redisOpt asynq.RedisConnOpt
}

// NewServer builds the asynq server and mux. janitor may be nil.
func NewServer(redisOpt asynq.RedisConnOpt, cfg ServerConfig, proc *Processor, janitor *Janitor) *Server {
	if cfg.Queue == "" {
		cfg.Queue = tasks.DefaultQueue
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = tasks.DefaultRetryPolicy()
	}

	srv := asynq.NewServer(redisOpt, asynqConfig(cfg))
	mux := asynq.NewServeMux()
	RegisterHandlers(mux, proc, cfg.Policy, RateLimit(NewLimiter(cfg.RateLimit, cfg.RateWindow)))

	return &Server{srv: srv, mux: mux, janitor: janitor, cfg: cfg, redisOpt: redisOpt}
}

func asynqConfig(cfg ServerConfig) asynq.Config {
	return asynq.Config{
		// Jobs within one worker never overlap.
		Concurrency:              1,
		Queues:                   map[string]int{cfg.Queue: 1},
		RetryDelayFunc:           RetryDelay(cfg.Policy),
		ShutdownTimeout:          cfg.ShutdownTimeout,
		TaskCheckInterval:        cfg.PollInterval,
		DelayedTaskCheckInterval: cfg.PollInterval,
		Logger:                   log.StandardLogger(),
		LogLevel:                 asynqLogLevel(log.GetLevel()),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			fields := log.Fields{"type": task.Type()}
			if id, ok := asynq.GetTaskID(ctx); ok {
				fields["job_id"] = id
			}
			if retried, ok := asynq.GetRetryCount(ctx); ok {
				fields["retried"] = retried
			}
			log.WithFields(fields).WithError(err).Warn("Job attempt returned an error")
		}),
		HealthCheckFunc: func(err error) {
			if err != nil {
				log.WithError(err).Error("Broker health check failed")
			}
		},
	}
}

// RetryDelay maps asynq's retry count to the policy's schedule.
func RetryDelay(policy tasks.RetryPolicy) asynq.RetryDelayFunc {
	return func(retried int, _ error, _ *asynq.Task) time.Duration {
		return policy.Delay(retried + 1)
	}
}

func asynqLogLevel(l log.Level) asynq.LogLevel {
	switch {
	case l >= log.DebugLevel:
		return asynq.DebugLevel
	case l == log.InfoLevel:
		return asynq.InfoLevel
	case l == log.WarnLevel:
		return asynq.WarnLevel
	case l == log.ErrorLevel:
		return asynq.ErrorLevel
	default:
		return asynq.FatalLevel
	}
}

// Run starts consuming and blocks until ctx is cancelled, then stops taking
// new jobs and waits up to ShutdownTimeout for the one in flight. A job that
// does not finish in time goes back to the broker.
func (s *Server) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"queue":        s.cfg.Queue,
		"max_attempts": s.cfg.Policy.MaxAttempts,
		"rate_limit":   s.cfg.RateLimit,
		"rate_window":  s.cfg.RateWindow,
	}).Info("Starting worker")
	if err := s.pingBroker(ctx); err != nil {
		return fmt.Errorf("broker unreachable at startup: %w", err)
	}
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	jctx, stopJanitor := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if s.janitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.janitor.Run(jctx)
		}()
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, no longer accepting jobs")
	s.srv.Stop()
	s.srv.Shutdown()

	stopJanitor()
	wg.Wait()
	log.Info("Worker shutdown complete")
	return nil
}

// pingBroker fails fast when Redis cannot be reached; asynq itself would only
// log failed health checks and keep running.
func (s *Server) pingBroker(ctx context.Context) error {
	c := s.redisOpt.MakeRedisClient()
	rdb, ok := c.(redis.UniversalClient)
	if !ok {
		return fmt.Errorf("unexpected redis client type %T", c)
	}
	defer rdb.Close()

	pctx, cancel := context.WithTimeout(ctx, brokerPingTimeout)
	defer cancel()
	return rdb.Ping(pctx).Err()
}
