package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/store"
)

const uniqueViolation = "23505"

// CreateAnalysis inserts a new analysis. Timestamps default to now.
func (s *StoreImpl) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = models.StatusPending
	}

	query := `
		INSERT INTO analyses (id, project_id, reference, document_key, status, stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		a.ID, a.ProjectID, a.Reference, a.DocumentKey, string(a.Status), a.Stage, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("analysis %s (reference %s): %w", a.ID, a.Reference, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to create analysis %s: %w", a.ID, err)
	}
	return nil
}

// GetAnalysis retrieves the full work record.
func (s *StoreImpl) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	a := &models.Analysis{}
	err := scanAnalysis(s.db.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id), a)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis %s: %w", id, err)
	}
	return a, nil
}

// UpdateAnalysisStatus applies upd in a single statement guarded against
// terminal records, so timestamps are only ever set once.
func (s *StoreImpl) UpdateAnalysisStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `
		UPDATE analyses SET
			status = $2,
			stage = $3,
			attempts = GREATEST(attempts, $4),
			started_at = CASE WHEN $5::boolean THEN COALESCE(started_at, $6) ELSE started_at END,
			completed_at = CASE WHEN $7::boolean THEN COALESCE(completed_at, $6) ELSE completed_at END,
			score = COALESCE($8, score),
			findings_count = COALESCE($9, findings_count),
			artifact_key = COALESCE($10, artifact_key),
			updated_at = $6
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`
	cmdTag, err := s.db.Exec(ctx, query,
		id, string(upd.Status), upd.Stage, upd.Attempt,
		upd.MarkStarted, at, upd.MarkCompleted,
		upd.Score, upd.FindingsCount, upd.ArtifactKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update status for analysis %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

func (s *StoreImpl) missingOrTerminal(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("analysis %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read status for analysis %s: %w", id, err)
	}
	log.WithFields(log.Fields{"analysis_id": id, "status": status}).Debug("status update skipped for terminal analysis")
	return fmt.Errorf("analysis %s is %s: %w", id, status, store.ErrConflict)
}

// ListAnalyses returns the most recently created analyses first.
func (s *StoreImpl) ListAnalyses(ctx context.Context, limit, offset int) ([]*models.Analysis, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.Analysis
	for rows.Next() {
		a := &models.Analysis{}
		if err := scanAnalysis(rows, a); err != nil {
			return out, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("error iterating analysis rows: %w", err)
	}
	return out, nil
}

// ReferenceExists reports whether a reference code is already persisted.
func (s *StoreImpl) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analyses WHERE reference = $1)`, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reference %s: %w", reference, err)
	}
	return exists, nil
}

// GetStatus reads the poll projection by primary key only.
func (s *StoreImpl) GetStatus(ctx context.Context, id string) (*models.StatusView, error) {
	v := &models.StatusView{}
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, reference, status, stage, started_at, completed_at, score, findings_count
		FROM analyses WHERE id = $1`, id).Scan(
		&v.ID, &v.Reference, &status, &v.Stage, &v.StartedAt, &v.CompletedAt, &v.Score, &v.FindingsCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get status for analysis %s: %w", id, err)
	}
	v.Status = models.Status(status)
	return v, nil
}
