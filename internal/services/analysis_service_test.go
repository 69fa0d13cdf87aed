package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/services"
	"vigil/internal/store"
	"vigil/internal/store/sqlite"
)

type MockJobClient struct {
	mock.Mock
}

func (m *MockJobClient) EnqueueAnalysis(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockJobClient) Close() error { return nil }

type MockReferences struct {
	mock.Mock
}

func (m *MockReferences) Generate(ctx context.Context, createdAt time.Time) (string, error) {
	args := m.Called(ctx, createdAt)
	return args.String(0), args.Error(1)
}

func newService(t *testing.T) (*services.AnalysisService, *sqlite.Store, *MockJobClient, *MockReferences) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := &MockJobClient{}
	refs := &MockReferences{}
	svc := services.NewAnalysisService(services.AnalysisServiceDeps{Store: db, JobClient: jobs, References: refs})
	return svc, db, jobs, refs
}

func TestSubmit_CreatesPendingAndEnqueues(t *testing.T) {
	svc, db, jobs, refs := newService(t)
	ctx := context.Background()

	refs.On("Generate", mock.Anything, mock.AnythingOfType("time.Time")).Return("AUD-2024-00001", nil).Once()
	jobs.On("EnqueueAnalysis", mock.Anything, mock.AnythingOfType("string")).
		Return("job:placeholder", nil).Once()

	res, err := svc.Submit(ctx, services.SubmitParams{ProjectID: "p-1", DocumentKey: " projects/p-1/a.pdf "})
	require.NoError(t, err)
	assert.Equal(t, "job:placeholder", res.JobID)
	assert.Equal(t, "AUD-2024-00001", res.Analysis.Reference)
	assert.Equal(t, "projects/p-1/a.pdf", res.Analysis.DocumentKey)

	stored, err := db.GetAnalysis(ctx, res.Analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	jobs.AssertCalled(t, "EnqueueAnalysis", mock.Anything, res.Analysis.ID)
	refs.AssertExpectations(t)
}

func TestSubmit_ValidatesDocumentKey(t *testing.T) {
	svc, _, jobs, refs := newService(t)

	_, err := svc.Submit(context.Background(), services.SubmitParams{ProjectID: "p-1"})
	assert.ErrorIs(t, err, models.ErrValidation)
	jobs.AssertNotCalled(t, "EnqueueAnalysis", mock.Anything, mock.Anything)
	refs.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestSubmit_BrokerDownLeavesPendingRecord(t *testing.T) {
	svc, db, jobs, refs := newService(t)
	ctx := context.Background()

	refs.On("Generate", mock.Anything, mock.Anything).Return("AUD-2024-00007", nil)
	brokerErr := fmt.Errorf("enqueue: %w", store.ErrQueueUnavailable)
	jobs.On("EnqueueAnalysis", mock.Anything, mock.Anything).Return("", brokerErr).Once()

	res, err := svc.Submit(ctx, services.SubmitParams{DocumentKey: "k.pdf"})
	require.Error(t, err)
	assert.True(t, store.IsRetryable(err))
	require.NotNil(t, res)
	require.NotNil(t, res.Analysis)

	stored, err := db.GetAnalysis(ctx, res.Analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	jobs.On("EnqueueAnalysis", mock.Anything, res.Analysis.ID).Return("job:"+res.Analysis.ID, nil).Once()
	jobID, err := svc.Resubmit(ctx, res.Analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, "job:"+res.Analysis.ID, jobID)
}

func TestSubmit_RegeneratesOnReferenceClash(t *testing.T) {
	svc, db, jobs, refs := newService(t)
	ctx := context.Background()
	require.NoError(t, db.CreateAnalysis(ctx, &models.Analysis{ID: "old", Reference: "AUD-2024-00001", DocumentKey: "x"}))

	refs.On("Generate", mock.Anything, mock.Anything).Return("AUD-2024-00001", nil).Once()
	refs.On("Generate", mock.Anything, mock.Anything).Return("AUD-2024-00002", nil).Once()
	jobs.On("EnqueueAnalysis", mock.Anything, mock.Anything).Return("job:x", nil)

	res, err := svc.Submit(ctx, services.SubmitParams{DocumentKey: "k.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "AUD-2024-00002", res.Analysis.Reference)
	refs.AssertNumberOfCalls(t, "Generate", 2)
}

func TestSubmit_ReferenceGeneratorFailure(t *testing.T) {
	svc, _, jobs, refs := newService(t)
	refs.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("exhausted"))

	_, err := svc.Submit(context.Background(), services.SubmitParams{DocumentKey: "k.pdf"})
	require.Error(t, err)
	jobs.AssertNotCalled(t, "EnqueueAnalysis", mock.Anything, mock.Anything)
}

func TestResubmit_RejectsTerminal(t *testing.T) {
	svc, db, jobs, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, db.CreateAnalysis(ctx, &models.Analysis{ID: "done", Reference: "AUD-2024-00003", DocumentKey: "x"}))
	require.NoError(t, db.UpdateAnalysisStatus(ctx, "done", models.StatusUpdate{Status: models.StatusCompleted, MarkCompleted: true}))

	_, err := svc.Resubmit(ctx, "done")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = svc.Resubmit(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	jobs.AssertNotCalled(t, "EnqueueAnalysis", mock.Anything, mock.Anything)
}

func TestGetStatusAndList(t *testing.T) {
	svc, db, _, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, db.CreateAnalysis(ctx, &models.Analysis{ID: "a", Reference: "AUD-2024-00004", DocumentKey: "x", Stage: "Queued"}))

	v, err := svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, v.Status)
	assert.Equal(t, "AUD-2024-00004", v.Reference)

	list, err := svc.List(ctx, 0, -5)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
