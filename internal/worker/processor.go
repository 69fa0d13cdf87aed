package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/store"
)

// maxStageLen bounds the failure message kept in the stage column.
const maxStageLen = 500

// finalWriteTimeout bounds the status write made after the job context ended.
// When the lock expired the broker has already freed the worker slot, so this
// write is the only work that can overlap the next job.
const finalWriteTimeout = 2 * time.Second

// Attempt identifies one delivery of a job. Number is 1-indexed.
type Attempt struct {
	Number int
	Max    int
}

// Last reports whether no retry follows a failure of this attempt.
func (a Attempt) Last() bool { return a.Number >= a.Max }

// Processor runs analyses. It knows nothing about the broker: the caller
// tells it which attempt this is, and a returned error means "retry me".
type Processor struct {
	store      store.AnalysisStore
	pipeline   Pipeline
	now        func() time.Time
	finalWrite time.Duration
}

func NewProcessor(st store.AnalysisStore, p Pipeline) *Processor {
	return &Processor{store: st, pipeline: p, now: time.Now, finalWrite: finalWriteTimeout}
}

// Process drives analysisID through one attempt. A nil return acknowledges
// the job, including redeliveries for records that are already terminal.
func (p *Processor) Process(ctx context.Context, analysisID string, attempt Attempt) error {
	logger := log.WithFields(log.Fields{
		"analysis_id": analysisID,
		"attempt":     attempt.Number,
		"max":         attempt.Max,
	})

	a, err := p.store.GetAnalysis(ctx, analysisID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Analysis no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load analysis %s: %w", analysisID, err)
	}
	if a.Status.Terminal() {
		logger.WithField("status", a.Status).Info("Analysis already finished, acknowledging redelivery")
		return nil
	}
	if a.Status != models.StatusPending {
		logger.WithFields(log.Fields{"status": a.Status, "stage": a.Stage}).
			Info("Analysis was in flight on an earlier delivery, restarting")
	}

	run := &runState{proc: p, analysis: a, attempt: attempt, status: a.Status}
	if err := run.apply(ctx, EventPickedUp, StageStarting); err != nil {
		return p.settleWriteError(logger, err)
	}

	logger.Info("Processing analysis")
	res, runErr := p.pipeline.Run(ctx, a, run)
	if runErr == nil {
		return p.complete(ctx, run, res, logger)
	}
	return p.fail(ctx, run, runErr, logger)
}

func (p *Processor) complete(ctx context.Context, run *runState, res *Result, logger *log.Entry) error {
	if res == nil {
		res = &Result{}
	}
	upd := models.StatusUpdate{
		Stage:         StageCompleted,
		MarkCompleted: true,
		Score:         res.Score,
		FindingsCount: res.FindingsCount,
	}
	if res.ArtifactKey != "" {
		upd.ArtifactKey = &res.ArtifactKey
	}
	if err := run.applyUpdate(ctx, EventSucceeded, upd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return p.settleWriteError(logger, err)
		}
		// The pipeline is rerunnable, so let the broker redeliver.
		return fmt.Errorf("record completion: %w", err)
	}
	logger.Info("Analysis completed")
	return nil
}

func (p *Processor) fail(ctx context.Context, run *runState, runErr error, logger *log.Entry) error {
	logger = logger.WithError(runErr)
	if errors.Is(runErr, context.DeadlineExceeded) {
		logger.Info("Analysis exceeded its lock duration; the broker will redeliver it")
	}

	ev := EventFor(runErr, run.attempt)
	if ev == EventAttemptFailed {
		if _, err := Next(run.status, ev); err != nil {
			return err
		}
		logger.Warn("Analysis attempt failed, will retry")
		return runErr
	}

	// The job context may already be done; the terminal write must still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.finalWrite)
	defer cancel()
	err := run.applyUpdate(wctx, EventExhausted, models.StatusUpdate{
		Stage:         failureStage(runErr),
		MarkStarted:   true,
		MarkCompleted: true,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		logger.WithField("write_error", err).Error("Could not record analysis failure")
		return fmt.Errorf("record failure: %w (attempt error: %v)", err, runErr)
	}
	logger.Error("Analysis failed, attempts exhausted")
	return runErr
}

// settleWriteError treats a conflict as another delivery having finished the record.
func (p *Processor) settleWriteError(logger *log.Entry, err error) error {
	if errors.Is(err, store.ErrConflict) {
		logger.WithError(err).Info("Analysis finished concurrently, acknowledging")
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Analysis removed while processing, dropping job")
		return nil
	}
	return err
}

func failureStage(err error) string {
	msg := "Failed: " + err.Error()
	if len(msg) > maxStageLen {
		msg = msg[:maxStageLen]
	}
	return msg
}

// runState tracks the status of one attempt and is the pipeline's Progress.
type runState struct {
	proc     *Processor
	analysis *models.Analysis
	attempt  Attempt
	status   models.Status
}

func (r *runState) Stage(ctx context.Context, label string) error {
	return r.write(ctx, models.StatusUpdate{Status: r.status, Stage: label, Attempt: r.attempt.Number})
}

func (r *runState) Advance(ctx context.Context, label string) error {
	return r.apply(ctx, EventAdvanced, label)
}

func (r *runState) apply(ctx context.Context, ev Event, label string) error {
	return r.applyUpdate(ctx, ev, models.StatusUpdate{Stage: label, MarkStarted: ev == EventPickedUp})
}

func (r *runState) applyUpdate(ctx context.Context, ev Event, upd models.StatusUpdate) error {
	next, err := Next(r.status, ev)
	if err != nil {
		return err
	}
	upd.Status = next
	upd.Attempt = r.attempt.Number
	if err := r.write(ctx, upd); err != nil {
		return err
	}
	r.status = next
	return nil
}

func (r *runState) write(ctx context.Context, upd models.StatusUpdate) error {
	upd.At = r.proc.now().UTC()
	return r.proc.store.UpdateAnalysisStatus(ctx, r.analysis.ID, upd)
}
