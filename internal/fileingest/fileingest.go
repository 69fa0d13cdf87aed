package fileingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// MaxDocumentSize caps uploads from the CLI.
const MaxDocumentSize = 100 << 20

var ErrNotDocument = errors.New("not an uploadable document")

// Uploader is the write half of the storage client.
type Uploader interface {
	Store(ctx context.Context, key string, data []byte, contentType string) error
}

// FileMeta holds metadata about a local document.
type FileMeta struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// ExtractFileMeta stats path and rejects directories and oversized files.
func ExtractFileMeta(p string) (FileMeta, error) {
	info, err := os.Stat(p)
	if err != nil {
		return FileMeta{}, err
	}
	if info.IsDir() {
		return FileMeta{}, fmt.Errorf("%w: %s is a directory", ErrNotDocument, p)
	}
	if info.Size() == 0 || info.Size() > MaxDocumentSize {
		return FileMeta{}, fmt.Errorf("%w: %s has size %d", ErrNotDocument, p, info.Size())
	}
	return FileMeta{
		Path:    p,
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// DocumentKey is the bucket key uploads are stored under:
// documents/<project>/<unix-seconds>-<name>. An empty project becomes "default".
func DocumentKey(project string, meta FileMeta) string {
	project = strings.Trim(strings.TrimSpace(project), "/")
	if project == "" {
		project = "default"
	}
	name := strings.ReplaceAll(filepath.Base(meta.Name), " ", "_")
	return path.Join("documents", project, fmt.Sprintf("%d-%s", meta.ModTime.Unix(), name))
}

// Upload reads the file at p and stores it under key, returning the metadata
// of what was sent.
func Upload(ctx context.Context, up Uploader, key, p string) (FileMeta, error) {
	meta, err := ExtractFileMeta(p)
	if err != nil {
		return FileMeta{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return FileMeta{}, fmt.Errorf("read %s: %w", p, err)
	}
	if err := up.Store(ctx, key, data, http.DetectContentType(data)); err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}
