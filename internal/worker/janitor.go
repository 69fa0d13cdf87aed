package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/store"
	"vigil/internal/tasks"
)

const janitorPageSize = 100

// TaskInspector pages through finished jobs and deletes them.
type TaskInspector interface {
	ListCompleted(queue string, page, size int) ([]*asynq.TaskInfo, error)
	ListArchived(queue string, page, size int) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// AsynqInspector adapts *asynq.Inspector to TaskInspector.
type AsynqInspector struct {
	*asynq.Inspector
}

func (i AsynqInspector) ListCompleted(queue string, page, size int) ([]*asynq.TaskInfo, error) {
	return i.ListCompletedTasks(queue, asynq.Page(page), asynq.PageSize(size))
}

func (i AsynqInspector) ListArchived(queue string, page, size int) ([]*asynq.TaskInfo, error) {
	return i.ListArchivedTasks(queue, asynq.Page(page), asynq.PageSize(size))
}

// JanitorConfig controls queue retention.
type JanitorConfig struct {
	Queue           string
	Interval        time.Duration
	CompletedMax    int
	FailedRetention time.Duration
}

// SweepReport summarises one janitor pass.
type SweepReport struct {
	CompletedTrimmed int
	ArchivedDeleted  int
	Reconciled       int
}

// Janitor enforces retention on finished jobs and makes sure a job the broker
// gave up on never leaves its analysis unfinished.
type Janitor struct {
	insp  TaskInspector
	store store.AnalysisStore
	cfg   JanitorConfig
	now   func() time.Time
}

func NewJanitor(insp TaskInspector, st store.AnalysisStore, cfg JanitorConfig) *Janitor {
	if cfg.Queue == "" {
		cfg.Queue = tasks.DefaultQueue
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Janitor{insp: insp, store: st, cfg: cfg, now: time.Now}
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	log.WithFields(log.Fields{"queue": j.cfg.Queue, "interval": j.cfg.Interval}).Info("Janitor started")
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Janitor sweep failed")
		}
		select {
		case <-ctx.Done():
			log.Info("Janitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one retention and reconciliation pass.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport

	archived, err := j.listAll(j.insp.ListArchived)
	if err != nil {
		return rep, fmt.Errorf("list archived tasks: %w", err)
	}
	cutoff := j.now().Add(-j.cfg.FailedRetention)
	for _, info := range archived {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		ok, err := j.reconcile(ctx, info)
		if err != nil {
			log.WithError(err).WithField("job_id", info.ID).Warn("Could not reconcile archived job")
			continue
		}
		if ok {
			rep.Reconciled++
		}
		if j.cfg.FailedRetention > 0 && !info.LastFailedAt.IsZero() && info.LastFailedAt.Before(cutoff) {
			if err := j.insp.DeleteTask(j.cfg.Queue, info.ID); err != nil {
				log.WithError(err).WithField("job_id", info.ID).Warn("Could not delete archived job")
				continue
			}
			rep.ArchivedDeleted++
		}
	}

	if j.cfg.CompletedMax > 0 {
		completed, err := j.listAll(j.insp.ListCompleted)
		if err != nil {
			return rep, fmt.Errorf("list completed tasks: %w", err)
		}
		if len(completed) > j.cfg.CompletedMax {
			sort.Slice(completed, func(a, b int) bool {
				return completed[a].CompletedAt.After(completed[b].CompletedAt)
			})
			for _, info := range completed[j.cfg.CompletedMax:] {
				if err := j.insp.DeleteTask(j.cfg.Queue, info.ID); err != nil {
					log.WithError(err).WithField("job_id", info.ID).Warn("Could not trim completed job")
					continue
				}
				rep.CompletedTrimmed++
			}
		}
	}

	if rep != (SweepReport{}) {
		log.WithFields(log.Fields{
			"reconciled":        rep.Reconciled,
			"archived_deleted":  rep.ArchivedDeleted,
			"completed_trimmed": rep.CompletedTrimmed,
		}).Info("Janitor sweep")
	}
	return rep, nil
}

// reconcile marks the analysis behind an archived job FAILED if nothing else
// did. This covers jobs whose lock expired on their last attempt, which the
// broker archives without running the handler again.
func (j *Janitor) reconcile(ctx context.Context, info *asynq.TaskInfo) (bool, error) {
	id, ok := tasks.AnalysisIDFromJobID(info.ID)
	if !ok {
		return false, nil
	}
	a, err := j.store.GetAnalysis(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.Status.Terminal() {
		return false, nil
	}

	cause := info.LastErr
	if cause == "" {
		cause = "attempts exhausted"
	}
	if _, err := Next(a.Status, EventExhausted); err != nil {
		return false, err
	}
	err = j.store.UpdateAnalysisStatus(ctx, id, models.StatusUpdate{
		Status:        models.StatusFailed,
		Stage:         failureStage(errors.New(cause)),
		Attempt:       info.Retried + 1,
		MarkStarted:   true,
		MarkCompleted: true,
		At:            j.now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"analysis_id": id, "job_id": info.ID, "cause": cause}).
		Warn("Archived job left analysis unfinished, marked FAILED")
	return true, nil
}

type listFunc func(queue string, page, size int) ([]*asynq.TaskInfo, error)

func (j *Janitor) listAll(list listFunc) ([]*asynq.TaskInfo, error) {
	var out []*asynq.TaskInfo
	for page := 1; ; page++ {
		infos, err := list(j.cfg.Queue, page, janitorPageSize)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
		if len(infos) < janitorPageSize {
			return out, nil
		}
	}
}
