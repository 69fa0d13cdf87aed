package models

import (
	"time"
)

// Analysis is the work record for one document-analysis request.
type Analysis struct {
	ID            string     `db:"id" json:"id"`
	ProjectID     string     `db:"project_id" json:"project_id"`
	Reference     string     `db:"reference" json:"reference"`
	DocumentKey   string     `db:"document_key" json:"document_key"`
	Status        Status     `db:"status" json:"status"`
	Stage         string     `db:"stage" json:"stage"`
	Attempts      int        `db:"attempts" json:"attempts"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`     // set once, on leaving PENDING
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"` // set once, on reaching a terminal status
	Score         *float64   `db:"score" json:"score,omitempty"`
	FindingsCount *int       `db:"findings_count" json:"findings_count,omitempty"`
	ArtifactKey   *string    `db:"artifact_key" json:"artifact_key,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusView is the minimal poll payload. It is read from the analyses row
// alone, without joins.
type StatusView struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	Status        Status     `json:"status"`
	Stage         string     `json:"stage"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Score         *float64   `json:"score,omitempty"`
	FindingsCount *int       `json:"findings_count,omitempty"`
}

// StatusUpdate describes one atomic write to an analysis' status columns.
// Stores apply it only while the record is non-terminal.
type StatusUpdate struct {
	Status        Status
	Stage         string
	Attempt       int
	MarkStarted   bool // started_at = COALESCE(started_at, At)
	MarkCompleted bool // completed_at = COALESCE(completed_at, At)
	At            time.Time

	// Outcome fields, written only when non-nil.
	Score         *float64
	FindingsCount *int
	ArtifactKey   *string
}
