package store

import (
	"context"

	"vigil/internal/models"
)

// --- Job Client ---

type JobClient interface {
	// EnqueueAnalysis is idempotent per analysis id and returns the job id.
	EnqueueAnalysis(ctx context.Context, analysisID string) (string, error)
	Close() error
}

// --- Analysis Store ---

type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	// UpdateAnalysisStatus applies upd atomically. It returns ErrConflict when
	// the record is already terminal and ErrNotFound when it does not exist.
	UpdateAnalysisStatus(ctx context.Context, id string, upd models.StatusUpdate) error
	ListAnalyses(ctx context.Context, limit, offset int) ([]*models.Analysis, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// --- Status Projection ---

type StatusReader interface {
	GetStatus(ctx context.Context, id string) (*models.StatusView, error)
}

// Store is everything the worker and API need from persistence.
type Store interface {
	AnalysisStore
	StatusReader
}
