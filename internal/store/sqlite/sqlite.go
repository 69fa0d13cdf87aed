// Package sqlite implements the analysis store on SQLite. It backs local
// single-node runs and the store tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"vigil/internal/models"
	"vigil/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a database/sql backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at dsn, e.g. "file:vigil.db" or ":memory:".
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite DSN cannot be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// One connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL DEFAULT '',
	reference      TEXT NOT NULL UNIQUE,
	document_key   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	stage          TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	started_at     TIMESTAMP,
	completed_at   TIMESTAMP,
	score          REAL,
	findings_count INTEGER,
	artifact_key   TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS analyses_created_at_idx ON analyses (created_at);
`

const analysisColumns = `id, project_id, reference, document_key, status, stage, attempts,
	started_at, completed_at, score, findings_count, artifact_key, created_at, updated_at`

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, project_id, reference, document_key, status, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Reference, a.DocumentKey, string(a.Status), a.Stage, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("analysis %s (reference %s): %w", a.ID, a.Reference, store.ErrDuplicate)
		}
		return fmt.Errorf("create analysis %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) UpdateAnalysisStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET
			status = ?,
			stage = ?,
			attempts = MAX(attempts, ?),
			started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
			completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END,
			score = COALESCE(?, score),
			findings_count = COALESCE(?, findings_count),
			artifact_key = COALESCE(?, artifact_key),
			updated_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED')`,
		string(upd.Status), upd.Stage, upd.Attempt,
		upd.MarkStarted, at,
		upd.MarkCompleted, at,
		upd.Score, upd.FindingsCount, upd.ArtifactKey,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("update status for analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status for analysis %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM analyses WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("analysis %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status for analysis %s: %w", id, err)
	}
	return fmt.Errorf("analysis %s is %s: %w", id, status, store.ErrConflict)
}

func (s *Store) ListAnalyses(ctx context.Context, limit, offset int) ([]*models.Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return out, fmt.Errorf("scan analysis row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM analyses WHERE reference = ?`, reference).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check reference %s: %w", reference, err)
	}
	return n > 0, nil
}

func (s *Store) GetStatus(ctx context.Context, id string) (*models.StatusView, error) {
	var (
		v                      models.StatusView
		status                 string
		startedAt, completedAt sql.NullTime
		score                  sql.NullFloat64
		findings               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, status, stage, started_at, completed_at, score, findings_count
		FROM analyses WHERE id = ?`, id).Scan(
		&v.ID, &v.Reference, &status, &v.Stage, &startedAt, &completedAt, &score, &findings,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status for analysis %s: %w", id, err)
	}
	v.Status = models.Status(status)
	v.StartedAt = timePtr(startedAt)
	v.CompletedAt = timePtr(completedAt)
	v.Score = floatPtr(score)
	v.FindingsCount = intPtr(findings)
	return &v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (*models.Analysis, error) {
	var (
		a                      models.Analysis
		status                 string
		startedAt, completedAt sql.NullTime
		score                  sql.NullFloat64
		findings               sql.NullInt64
		artifact               sql.NullString
	)
	if err := row.Scan(
		&a.ID, &a.ProjectID, &a.Reference, &a.DocumentKey, &status, &a.Stage, &a.Attempts,
		&startedAt, &completedAt, &score, &findings, &artifact, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Status = models.Status(status)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.Score = floatPtr(score)
	a.FindingsCount = intPtr(findings)
	if artifact.Valid {
		a.ArtifactKey = &artifact.String
	}
	return &a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
