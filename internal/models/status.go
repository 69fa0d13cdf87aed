package models

// Status is the lifecycle state of an analysis.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusClassifying Status = "CLASSIFYING"
	StatusAnalyzing   Status = "ANALYZING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
