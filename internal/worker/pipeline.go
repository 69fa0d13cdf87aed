package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
)

// Stage labels reported while an analysis runs.
const (
	StageQueued      = "Queued"
	StageStarting    = "Starting analysis"
	StageFetching    = "Fetching source document"
	StageClassifying = "Classifying document"
	StageStoring     = "Storing artifacts"
	StageCompleted   = "Completed"
)

// Progress lets a pipeline report where it is. Stage keeps the current
// status; Advance moves CLASSIFYING to ANALYZING.
type Progress interface {
	Stage(ctx context.Context, label string) error
	Advance(ctx context.Context, label string) error
}

// Result is what a successful run records on the analysis.
type Result struct {
	Score         *float64
	FindingsCount *int
	ArtifactKey   string
}

// Pipeline performs the work for one analysis. Implementations must be safe
// to run again for the same analysis after a redelivery.
type Pipeline interface {
	Run(ctx context.Context, a *models.Analysis, p Progress) (*Result, error)
}

// ObjectStore is the storage client surface the document pipeline uses.
type ObjectStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte, contentType string) error
}

// Manifest is the artifact written for every completed analysis.
type Manifest struct {
	AnalysisID   string    `json:"analysis_id"`
	Reference    string    `json:"reference"`
	ProjectID    string    `json:"project_id"`
	DocumentKey  string    `json:"document_key"`
	SHA256       string    `json:"sha256"`
	SizeBytes    int       `json:"size_bytes"`
	PageEstimate int       `json:"page_estimate"`
	ContentType  string    `json:"content_type"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// ManifestKey is the object key of an analysis manifest.
func ManifestKey(reference string) string {
	return "analyses/" + reference + "/manifest.json"
}

// DocumentPipeline fetches the source document, fingerprints it and stores a
// manifest. Classification proper happens outside this module.
type DocumentPipeline struct {
	objects ObjectStore
	now     func() time.Time
}

func NewDocumentPipeline(objects ObjectStore) *DocumentPipeline {
	return &DocumentPipeline{objects: objects, now: time.Now}
}

func (p *DocumentPipeline) Run(ctx context.Context, a *models.Analysis, prog Progress) (*Result, error) {
	if err := prog.Stage(ctx, StageFetching); err != nil {
		return nil, err
	}
	doc, err := p.objects.Fetch(ctx, a.DocumentKey)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", a.DocumentKey, err)
	}

	if err := prog.Stage(ctx, StageClassifying); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(doc)
	m := Manifest{
		AnalysisID:   a.ID,
		Reference:    a.Reference,
		ProjectID:    a.ProjectID,
		DocumentKey:  a.DocumentKey,
		SHA256:       hex.EncodeToString(sum[:]),
		SizeBytes:    len(doc),
		PageEstimate: estimatePages(doc),
		ContentType:  http.DetectContentType(doc),
		GeneratedAt:  p.now().UTC(),
	}

	if err := prog.Advance(ctx, StageStoring); err != nil {
		return nil, err
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	key := ManifestKey(a.Reference)
	if err := p.objects.Store(ctx, key, body, "application/json"); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}

	log.WithFields(log.Fields{
		"analysis_id": a.ID,
		"sha256":      m.SHA256,
		"pages":       m.PageEstimate,
		"artifact":    key,
	}).Info("Document fingerprinted")

	findings := 0
	return &Result{FindingsCount: &findings, ArtifactKey: key}, nil
}

var (
	pdfMagic    = []byte("%PDF-")
	pdfPage     = []byte("/Type /Page")
	pdfPageTree = []byte("/Type /Pages")
)

// estimatePages counts page objects in a PDF. Anything else is one page.
func estimatePages(doc []byte) int {
	if !bytes.HasPrefix(doc, pdfMagic) {
		return 1
	}
	n := bytes.Count(doc, pdfPage) - bytes.Count(doc, pdfPageTree)
	if n < 1 {
		return 1
	}
	return n
}
