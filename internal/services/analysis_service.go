package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/store"
)

// referenceRetries bounds how often Submit regenerates a reference that lost
// a race on the unique constraint.
const referenceRetries = 3

// ReferenceGenerator hands out reference codes for new analyses.
type ReferenceGenerator interface {
	Generate(ctx context.Context, createdAt time.Time) (string, error)
}

type AnalysisServiceDeps struct {
	Store      store.Store
	JobClient  store.JobClient
	References ReferenceGenerator
}

// AnalysisService creates analyses, queues them and reads their status.
type AnalysisService struct {
	store store.Store
	jobs  store.JobClient
	refs  ReferenceGenerator
	now   func() time.Time
}

func NewAnalysisService(deps AnalysisServiceDeps) *AnalysisService {
	return &AnalysisService{
		store: deps.Store,
		jobs:  deps.JobClient,
		refs:  deps.References,
		now:   time.Now,
	}
}

type SubmitParams struct {
	ProjectID   string
	DocumentKey string
}

type SubmitResult struct {
	Analysis *models.Analysis
	JobID    string
}

// Submit persists a PENDING analysis and enqueues its job. When the broker is
// unavailable the analysis is still returned alongside a retryable error, and
// Resubmit can queue it later.
func (s *AnalysisService) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	key := strings.TrimSpace(params.DocumentKey)
	if key == "" {
		return nil, fmt.Errorf("%w: document key is required", models.ErrValidation)
	}

	a := &models.Analysis{
		ID:          uuid.NewString(),
		ProjectID:   strings.TrimSpace(params.ProjectID),
		DocumentKey: key,
		Status:      models.StatusPending,
		Stage:       "Queued",
		CreatedAt:   s.now().UTC(),
	}
	if err := s.insert(ctx, a); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"analysis_id": a.ID, "reference": a.Reference})
	jobID, err := s.jobs.EnqueueAnalysis(ctx, a.ID)
	if err != nil {
		logger.WithError(err).Warn("Analysis saved but not queued")
		return &SubmitResult{Analysis: a}, err
	}
	logger.WithField("job_id", jobID).Info("Analysis submitted")
	return &SubmitResult{Analysis: a, JobID: jobID}, nil
}

func (s *AnalysisService) insert(ctx context.Context, a *models.Analysis) error {
	for i := 0; i < referenceRetries; i++ {
		ref, err := s.refs.Generate(ctx, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("generate reference: %w", err)
		}
		a.Reference = ref
		err = s.store.CreateAnalysis(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("create analysis: %w", err)
		}
		log.WithField("reference", ref).Warn("Reference taken concurrently, generating another")
	}
	return fmt.Errorf("create analysis: reference retries exhausted: %w", store.ErrDuplicate)
}

// Resubmit enqueues the job for an existing, unfinished analysis. It is safe
// to call repeatedly.
func (s *AnalysisService) Resubmit(ctx context.Context, id string) (string, error) {
	a, err := s.store.GetAnalysis(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status.Terminal() {
		return "", fmt.Errorf("analysis %s is %s: %w", id, a.Status, store.ErrConflict)
	}
	return s.jobs.EnqueueAnalysis(ctx, a.ID)
}

// GetStatus returns the poll view of an analysis.
func (s *AnalysisService) GetStatus(ctx context.Context, id string) (*models.StatusView, error) {
	return s.store.GetStatus(ctx, id)
}

func (s *AnalysisService) Get(ctx context.Context, id string) (*models.Analysis, error) {
	return s.store.GetAnalysis(ctx, id)
}

// List returns the most recent analyses first.
func (s *AnalysisService) List(ctx context.Context, limit, offset int) ([]*models.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAnalyses(ctx, limit, offset)
}
