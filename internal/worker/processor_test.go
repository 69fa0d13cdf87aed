package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/store/sqlite"
	"vigil/internal/tasks"
)

// recordingStore remembers every status it accepted.
type recordingStore struct {
	*sqlite.Store
	mu       sync.Mutex
	statuses []models.Status
}

func (r *recordingStore) UpdateAnalysisStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	if err := r.Store.UpdateAnalysisStatus(ctx, id, upd); err != nil {
		return err
	}
	r.mu.Lock()
	r.statuses = append(r.statuses, upd.Status)
	r.mu.Unlock()
	return nil
}

// transitions collapses repeated writes of the same status.
func (r *recordingStore) transitions() []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Status{models.StatusPending}
	for _, s := range r.statuses {
		if out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// scriptedPipeline fails with errs[i] on run i+1 and succeeds afterwards.
type scriptedPipeline struct {
	mu   sync.Mutex
	errs []error
	runs int
}

func (s *scriptedPipeline) Run(ctx context.Context, a *models.Analysis, p Progress) (*Result, error) {
	s.mu.Lock()
	s.runs++
	run := s.runs
	s.mu.Unlock()

	if err := p.Stage(ctx, StageFetching); err != nil {
		return nil, err
	}
	if run <= len(s.errs) && s.errs[run-1] != nil {
		return nil, s.errs[run-1]
	}
	if err := p.Advance(ctx, StageStoring); err != nil {
		return nil, err
	}
	score := 0.9
	return &Result{Score: &score, ArtifactKey: ManifestKey(a.Reference)}, nil
}

func (s *scriptedPipeline) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func setupProcessor(t *testing.T, p Pipeline) (*Processor, *recordingStore) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rs := &recordingStore{Store: db}
	require.NoError(t, rs.CreateAnalysis(context.Background(), &models.Analysis{
		ID:          "A",
		ProjectID:   "proj-1",
		Reference:   "AUD-2024-00001",
		DocumentKey: "projects/proj-1/source.pdf",
		Stage:       StageQueued,
	}))

	proc := NewProcessor(rs, p)
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	proc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return proc, rs
}

// deliver plays the broker: it redelivers after every error until the job
// succeeds or runs out of attempts, returning the backoff it would have waited.
func deliver(t *testing.T, proc *Processor, id string, policy tasks.RetryPolicy) []time.Duration {
	t.Helper()
	delayFor := RetryDelay(policy)
	var delays []time.Duration
	for n := 1; n <= policy.MaxAttempts; n++ {
		err := proc.Process(context.Background(), id, Attempt{Number: n, Max: policy.MaxAttempts})
		if err == nil {
			return delays
		}
		if n < policy.MaxAttempts {
			delays = append(delays, delayFor(n-1, err, nil))
		}
	}
	return delays
}

func TestProcess_SucceedsFirstAttempt(t *testing.T) {
	pipe := &scriptedPipeline{}
	proc, rs := setupProcessor(t, pipe)

	delays := deliver(t, proc, "A", tasks.DefaultRetryPolicy())
	assert.Empty(t, delays)
	assert.Equal(t, 1, pipe.runCount())

	assert.Equal(t, []models.Status{
		models.StatusPending, models.StatusClassifying, models.StatusAnalyzing, models.StatusCompleted,
	}, rs.transitions())
	assert.NotContains(t, rs.transitions(), models.StatusFailed)

	a, err := rs.GetAnalysis(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, a.Status)
	assert.Equal(t, StageCompleted, a.Stage)
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.CompletedAt)
	assert.False(t, a.CompletedAt.Before(*a.StartedAt))
	require.NotNil(t, a.ArtifactKey)
	assert.Equal(t, "analyses/AUD-2024-00001/manifest.json", *a.ArtifactKey)
	require.NotNil(t, a.Score)
	assert.Equal(t, 0.9, *a.Score)
}

func TestProcess_AlwaysFailingExhaustsAttempts(t *testing.T) {
	boom := errors.New("storage unavailable")
	pipe := &scriptedPipeline{errs: []error{boom, boom, boom, boom}}
	proc, rs := setupProcessor(t, pipe)
	policy := tasks.DefaultRetryPolicy()

	delays := deliver(t, proc, "A", policy)

	assert.Equal(t, policy.MaxAttempts, pipe.runCount())
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, delays)

	a, err := rs.GetAnalysis(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, "Failed: storage unavailable", a.Stage)
	assert.Equal(t, 3, a.Attempts)
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, []models.Status{
		models.StatusPending, models.StatusClassifying, models.StatusFailed,
	}, rs.transitions())

	// A late redelivery is acknowledged without running again.
	require.NoError(t, proc.Process(context.Background(), "A", Attempt{Number: 3, Max: 3}))
	assert.Equal(t, policy.MaxAttempts, pipe.runCount())
}

func TestProcess_FailsTwiceThenSucceeds(t *testing.T) {
	boom := errors.New("transient")
	pipe := &scriptedPipeline{errs: []error{boom, boom}}
	proc, rs := setupProcessor(t, pipe)

	delays := deliver(t, proc, "A", tasks.DefaultRetryPolicy())

	assert.Equal(t, 3, pipe.runCount())
	var total time.Duration
	for _, d := range delays {
		total += d
	}
	assert.Equal(t, 90*time.Second, total)

	a, err := rs.GetAnalysis(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.NotContains(t, rs.transitions(), models.StatusFailed)
}

func TestProcess_CustomScheduleClamps(t *testing.T) {
	boom := errors.New("down")
	pipe := &scriptedPipeline{errs: []error{boom, boom, boom, boom, boom}}
	proc, _ := setupProcessor(t, pipe)
	policy := tasks.RetryPolicy{MaxAttempts: 5, Schedule: []time.Duration{time.Second, 5 * time.Second}}

	delays := deliver(t, proc, "A", policy)
	assert.Equal(t, 5, pipe.runCount())
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, delays)
}

func TestProcess_RedeliveryKeepsStartedAt(t *testing.T) {
	pipe := &scriptedPipeline{errs: []error{errors.New("lost lock")}}
	proc, rs := setupProcessor(t, pipe)
	ctx := context.Background()

	require.Error(t, proc.Process(ctx, "A", Attempt{Number: 1, Max: 3}))
	first, err := rs.GetAnalysis(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClassifying, first.Status)
	require.NotNil(t, first.StartedAt)

	require.NoError(t, proc.Process(ctx, "A", Attempt{Number: 2, Max: 3}))
	done, err := rs.GetAnalysis(ctx, "A")
	require.NoError(t, err)
	assert.True(t, done.StartedAt.Equal(*first.StartedAt))
	assert.Equal(t, 2, done.Attempts)
}

func TestProcess_MissingRecordIsAcknowledged(t *testing.T) {
	pipe := &scriptedPipeline{}
	proc, _ := setupProcessor(t, pipe)

	assert.NoError(t, proc.Process(context.Background(), "ghost", Attempt{Number: 1, Max: 3}))
	assert.Zero(t, pipe.runCount())
}

type blockingPipeline struct{}

func (blockingPipeline) Run(ctx context.Context, a *models.Analysis, p Progress) (*Result, error) {
	if err := p.Stage(ctx, StageFetching); err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcess_StallOnLastAttemptStillRecordsFailure(t *testing.T) {
	proc, rs := setupProcessor(t, blockingPipeline{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := proc.Process(ctx, "A", Attempt{Number: 3, Max: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a, err := rs.GetAnalysis(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Contains(t, a.Stage, "deadline exceeded")
}

func TestProcess_StallBeforeLastAttemptIsRetried(t *testing.T) {
	proc, rs := setupProcessor(t, blockingPipeline{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := proc.Process(ctx, "A", Attempt{Number: 1, Max: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a, err := rs.GetAnalysis(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClassifying, a.Status)
	assert.Nil(t, a.CompletedAt)
}

func TestFailureStageIsBounded(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, failureStage(errors.New(string(long))), maxStageLen)
}

// hangingFailureStore blocks the FAILED write until its context ends.
type hangingFailureStore struct {
	*recordingStore
}

func (h hangingFailureStore) UpdateAnalysisStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	if upd.Status == models.StatusFailed {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.recordingStore.UpdateAnalysisStatus(ctx, id, upd)
}

func TestProcess_FinalWriteAfterStallIsBounded(t *testing.T) {
	assert.Equal(t, finalWriteTimeout, NewProcessor(nil, nil).finalWrite)
	assert.LessOrEqual(t, finalWriteTimeout, 2*time.Second)

	_, rs := setupProcessor(t, blockingPipeline{})
	proc := NewProcessor(hangingFailureStore{rs}, blockingPipeline{})
	proc.finalWrite = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := proc.Process(ctx, "A", Attempt{Number: 1, Max: 1})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorContains(t, err, "record failure")
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}
