package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAnalysis(id, ref string) *models.Analysis {
	return &models.Analysis{
		ID:          id,
		ProjectID:   "proj-1",
		Reference:   ref,
		DocumentKey: "projects/proj-1/" + id + ".pdf",
		Stage:       "Queued",
	}
}

func TestCreateAndGetAnalysis(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newAnalysis("a-1", "AUD-2024-00001")
	require.NoError(t, s.CreateAnalysis(ctx, a))

	got, err := s.GetAnalysis(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "AUD-2024-00001", got.Reference)
	assert.Equal(t, "projects/proj-1/a-1.pdf", got.DocumentKey)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Score)

	_, err = s.GetAnalysis(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAnalysis_DuplicateReference(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAnalysis(ctx, newAnalysis("a-1", "AUD-2024-00001")))
	err := s.CreateAnalysis(ctx, newAnalysis("a-2", "AUD-2024-00001"))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	exists, err := s.ReferenceExists(ctx, "AUD-2024-00001")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.ReferenceExists(ctx, "AUD-2024-00002")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateAnalysisStatus_TimestampsSetOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAnalysis(ctx, newAnalysis("a-1", "AUD-2024-00001")))

	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	require.NoError(t, s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{
		Status: models.StatusClassifying, Stage: "Classifying", Attempt: 1, MarkStarted: true, At: t1,
	}))
	// A redelivered pickup must not move started_at.
	require.NoError(t, s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{
		Status: models.StatusClassifying, Stage: "Classifying", Attempt: 2, MarkStarted: true, At: t2,
	}))

	score := 0.82
	findings := 4
	artifact := "analyses/AUD-2024-00001/manifest.json"
	require.NoError(t, s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{
		Status: models.StatusCompleted, Stage: "Completed", Attempt: 2, MarkCompleted: true, At: t3,
		Score: &score, FindingsCount: &findings, ArtifactKey: &artifact,
	}))

	got, err := s.GetAnalysis(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.StartedAt.Equal(t1), "started_at %v", got.StartedAt)
	assert.True(t, got.CompletedAt.Equal(t3), "completed_at %v", got.CompletedAt)
	assert.Equal(t, artifact, *got.ArtifactKey)
}

func TestUpdateAnalysisStatus_TerminalIsConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAnalysis(ctx, newAnalysis("a-1", "AUD-2024-00001")))

	require.NoError(t, s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{
		Status: models.StatusFailed, Stage: "boom", MarkStarted: true, MarkCompleted: true,
	}))
	err := s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{Status: models.StatusClassifying, Stage: "again"})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetAnalysis(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Stage)

	err = s.UpdateAnalysisStatus(ctx, "nope", models.StatusUpdate{Status: models.StatusClassifying})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetStatus_Projection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAnalysis(ctx, newAnalysis("a-1", "AUD-2024-00001")))

	v, err := s.GetStatus(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", v.ID)
	assert.Equal(t, "AUD-2024-00001", v.Reference)
	assert.Equal(t, models.StatusPending, v.Status)
	assert.Equal(t, "Queued", v.Stage)
	assert.Nil(t, v.StartedAt)
	assert.Nil(t, v.FindingsCount)

	findings := 2
	require.NoError(t, s.UpdateAnalysisStatus(ctx, "a-1", models.StatusUpdate{
		Status: models.StatusCompleted, Stage: "Completed", MarkStarted: true, MarkCompleted: true, FindingsCount: &findings,
	}))
	v, err = s.GetStatus(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, v.Status)
	require.NotNil(t, v.FindingsCount)
	assert.Equal(t, 2, *v.FindingsCount)
	assert.NotNil(t, v.CompletedAt)

	_, err = s.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAnalyses_NewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := newAnalysis(fmt.Sprintf("a-%d", i), fmt.Sprintf("AUD-2024-%05d", i))
		a.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateAnalysis(ctx, a))
	}

	page, err := s.ListAnalyses(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a-4", page[0].ID)
	assert.Equal(t, "a-3", page[1].ID)

	page, err = s.ListAnalyses(ctx, 10, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a-0", page[0].ID)
}
