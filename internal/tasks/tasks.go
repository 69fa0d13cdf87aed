package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Defines constants for task types used in Asynq.

const (
	// TypeAnalysisRun is the task type that drives one analysis through the worker.
	TypeAnalysisRun = "analysis:run"

	// DefaultQueue is the asynq queue analysis jobs are placed on.
	DefaultQueue = "analyses"
)

// dedupPrefix namespaces job ids derived from analysis ids.
const dedupPrefix = "job:"

// AnalysisPayload is the JSON body of an analysis:run task.
type AnalysisPayload struct {
	AnalysisID string `json:"analysis_id"`
}

// JobID returns the deterministic dedup key for an analysis.
func JobID(analysisID string) string {
	return dedupPrefix + analysisID
}

// AnalysisIDFromJobID reverses JobID. The second result is false when id was
// not produced by JobID.
func AnalysisIDFromJobID(id string) (string, bool) {
	if !strings.HasPrefix(id, dedupPrefix) || len(id) == len(dedupPrefix) {
		return "", false
	}
	return strings.TrimPrefix(id, dedupPrefix), true
}

// EncodeAnalysisPayload marshals the payload for analysisID.
func EncodeAnalysisPayload(analysisID string) ([]byte, error) {
	if strings.TrimSpace(analysisID) == "" {
		return nil, fmt.Errorf("analysis id is required")
	}
	return json.Marshal(AnalysisPayload{AnalysisID: analysisID})
}

// DecodeAnalysisPayload parses a task payload.
func DecodeAnalysisPayload(b []byte) (AnalysisPayload, error) {
	var p AnalysisPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode analysis payload: %w", err)
	}
	if strings.TrimSpace(p.AnalysisID) == "" {
		return p, fmt.Errorf("decode analysis payload: missing analysis_id")
	}
	return p, nil
}
