package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"vigil/internal/tasks"
)

// Ensure AsynqJobClient implements JobClient
var _ JobClient = (*AsynqJobClient)(nil)

// enqueuer is the part of *asynq.Client the job client uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// JobOptions carries the queue-side policy attached to every analysis job.
type JobOptions struct {
	Queue        string
	Policy       tasks.RetryPolicy
	LockDuration time.Duration // asynq Timeout; exceeding it makes the job eligible for redelivery
	Retention    time.Duration // how long completed jobs stay visible
}

// AsynqJobClient enqueues analysis jobs on the shared Redis broker.
type AsynqJobClient struct {
	client enqueuer
	opts   JobOptions
}

func NewAsynqJobClient(redisOpt asynq.RedisConnOpt, opts JobOptions) (*AsynqJobClient, error) {
	if redisOpt == nil {
		return nil, fmt.Errorf("redis connection options cannot be nil for AsynqJobClient")
	}
	return newJobClient(asynq.NewClient(redisOpt), opts), nil
}

func newJobClient(c enqueuer, opts JobOptions) *AsynqJobClient {
	if opts.Queue == "" {
		opts.Queue = tasks.DefaultQueue
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = tasks.DefaultRetryPolicy()
	}
	return &AsynqJobClient{client: c, opts: opts}
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

// EnqueueAnalysis submits the analysis:run job for analysisID. A job that is
// already outstanding for the same id is reported as success with its id.
func (jc *AsynqJobClient) EnqueueAnalysis(ctx context.Context, analysisID string) (string, error) {
	payload, err := tasks.EncodeAnalysisPayload(analysisID)
	if err != nil {
		return "", err
	}
	jobID := tasks.JobID(analysisID)
	task := asynq.NewTask(tasks.TypeAnalysisRun, payload)

	fields := log.Fields{"analysis_id": analysisID, "job_id": jobID, "queue": jc.opts.Queue}
	info, err := jc.client.EnqueueContext(ctx, task, jc.taskOptions(jobID)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			log.WithFields(fields).Debug("job already queued")
			return jobID, nil
		}
		log.WithFields(fields).WithError(err).Error("enqueue failed")
		return "", fmt.Errorf("enqueue analysis %s: %w: %v", analysisID, ErrQueueUnavailable, err)
	}

	log.WithFields(fields).WithField("state", info.State.String()).Debug("job enqueued")
	return info.ID, nil
}

func (jc *AsynqJobClient) taskOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.Queue(jc.opts.Queue),
		asynq.MaxRetry(jc.opts.Policy.MaxRetry()),
	}
	if jc.opts.LockDuration > 0 {
		opts = append(opts, asynq.Timeout(jc.opts.LockDuration))
	}
	if jc.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(jc.opts.Retention))
	}
	return opts
}
