package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"vigil/internal/config"
	"vigil/internal/objstore"
	"vigil/internal/refgen"
	"vigil/internal/services"
	"vigil/internal/store"
	"vigil/internal/store/primary"
	"vigil/internal/store/sqlite"
	"vigil/internal/tasks"
	"vigil/internal/worker"
)

// App owns every process-wide handle. It is built once by New and torn down
// by Close in reverse construction order.
type App struct {
	Config *config.Config
	Policy tasks.RetryPolicy

	Store      store.Store
	RedisOpt   asynq.RedisConnOpt
	Redis      redis.UniversalClient
	JobClient  store.JobClient
	Inspector  *asynq.Inspector
	Objects    *objstore.Client
	References *refgen.Generator

	Analyses *services.AnalysisService

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New validates cfg and connects to the database, broker and storage.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ConfigureLogging(cfg); err != nil {
		return nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Policy: policy}
	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initBroker(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initStorage(); err != nil {
		a.Close()
		return nil, err
	}

	a.References = refgen.New(cfg.Reference, refgen.NewRedisCounter(a.Redis, cfg.Reference.Prefix), a.Store)
	a.Analyses = services.NewAnalysisService(services.AnalysisServiceDeps{
		Store:      a.Store,
		JobClient:  a.JobClient,
		References: a.References,
	})

	log.WithFields(log.Fields{"driver": cfg.Database.Driver, "queue": cfg.Queue.Name}).Debug("Application initialization complete")
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.Store = s
	default:
		s, err := primary.NewPrimaryStore(ctx, cfg.Database.DSN, primary.PoolOptions{
			MaxConns:         cfg.Database.MaxConns,
			StatementTimeout: cfg.Database.StatementTimeout,
		})
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return fmt.Errorf("migrate primary store: %w", err)
		}
		a.Store = s
	}
	a.onClose("store", a.Store.Close)
	return nil
}

func (a *App) initBroker() error {
	opt, err := RedisConnOpt(a.Config)
	if err != nil {
		return err
	}
	a.RedisOpt = opt

	rdb, ok := opt.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return errors.New("init redis: unexpected client type")
	}
	a.Redis = rdb
	a.onClose("redis", rdb.Close)

	jc, err := store.NewAsynqJobClient(opt, store.JobOptions{
		Queue:        a.Config.Queue.Name,
		Policy:       a.Policy,
		LockDuration: a.Config.Queue.LockDuration,
		Retention:    a.Config.Queue.CompletedRetention,
	})
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	a.JobClient = jc
	a.onClose("job client", jc.Close)

	a.Inspector = asynq.NewInspector(opt)
	a.onClose("inspector", a.Inspector.Close)
	return nil
}

func (a *App) initStorage() error {
	c, err := objstore.New(a.Config.Storage)
	if err != nil {
		return fmt.Errorf("init storage client: %w", err)
	}
	a.Objects = c
	return nil
}

// NewWorker assembles the job consumer on top of the app's handles.
func (a *App) NewWorker() *worker.Server {
	cfg := a.Config
	proc := worker.NewProcessor(a.Store, worker.NewDocumentPipeline(a.Objects))
	janitor := worker.NewJanitor(worker.AsynqInspector{Inspector: a.Inspector}, a.Store, worker.JanitorConfig{
		Queue:           cfg.Queue.Name,
		Interval:        cfg.Queue.JanitorInterval,
		CompletedMax:    cfg.Queue.CompletedMax,
		FailedRetention: cfg.Queue.FailedRetention,
	})
	return worker.NewServer(a.RedisOpt, worker.ServerConfig{
		Queue:           cfg.Queue.Name,
		Policy:          a.Policy,
		RateLimit:       cfg.Worker.RateLimit,
		RateWindow:      cfg.Worker.RateWindow,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		PollInterval:    cfg.Worker.PollInterval,
	}, proc, janitor)
}

// Health pings the database and the broker.
func (a *App) Health(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases every handle, last opened first. It is safe to call twice.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			log.WithError(err).WithField("resource", c.name).Warn("Error during shutdown")
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RedisConnOpt builds broker options from a redis:// URL or a plain address.
func RedisConnOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	if u := strings.TrimSpace(cfg.Redis.URL); u != "" {
		opt, err := asynq.ParseRedisURI(u)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opt, nil
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, nil
}

// ConfigureLogging applies log.level and log.format to the standard logger.
func ConfigureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level: %v", config.ErrInvalid, err)
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Log.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
