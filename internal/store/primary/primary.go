package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vigil/internal/models"
	"vigil/internal/store"
)

// Ensure StoreImpl satisfies the store.Store interface
var _ store.Store = (*StoreImpl)(nil)

// StoreImpl implements store.Store using PostgreSQL.
type StoreImpl struct {
	db *pgxpool.Pool
}

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns         int32
	StatementTimeout time.Duration
}

// NewPrimaryStore creates a new PostgreSQL primary store implementation.
func NewPrimaryStore(ctx context.Context, dsn string, opts PoolOptions) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "vigil"
	if opts.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", opts.StatementTimeout.Milliseconds())
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{db: dbpool}, nil
}

// Migrate creates the analyses table when it does not exist yet.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() error {
	s.db.Close()
	return nil
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
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	score          DOUBLE PRECISION,
	findings_count INTEGER,
	artifact_key   TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS analyses_created_at_idx ON analyses (created_at DESC);
`

// --- Helper Functions ---

// scanAnalysis scans a single row into a models.Analysis. Column order must
// match analysisColumns.
func scanAnalysis(row pgx.Row, dest *models.Analysis) error {
	var status string
	if err := row.Scan(
		&dest.ID,
		&dest.ProjectID,
		&dest.Reference,
		&dest.DocumentKey,
		&status,
		&dest.Stage,
		&dest.Attempts,
		&dest.StartedAt,
		&dest.CompletedAt,
		&dest.Score,
		&dest.FindingsCount,
		&dest.ArtifactKey,
		&dest.CreatedAt,
		&dest.UpdatedAt,
	); err != nil {
		return err
	}
	dest.Status = models.Status(status)
	return nil
}

const analysisColumns = `id, project_id, reference, document_key, status, stage, attempts,
	started_at, completed_at, score, findings_count, artifact_key, created_at, updated_at`
