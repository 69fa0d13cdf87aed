package fileingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (r *recordingUploader) Store(_ context.Context, key string, data []byte, contentType string) error {
	r.key, r.data, r.contentType = key, data, contentType
	return r.err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestUpload(t *testing.T) {
	p := writeFile(t, "policy.pdf", []byte("%PDF-1.7\n1 0 obj\n"))
	up := &recordingUploader{}

	meta, err := Upload(context.Background(), up, "documents/p/1-policy.pdf", p)
	require.NoError(t, err)
	assert.Equal(t, "policy.pdf", meta.Name)
	assert.Equal(t, int64(17), meta.Size)
	assert.Equal(t, "documents/p/1-policy.pdf", up.key)
	assert.Equal(t, "application/pdf", up.contentType)
}

func TestUpload_StoreError(t *testing.T) {
	p := writeFile(t, "a.txt", []byte("hello"))
	boom := errors.New("boom")

	_, err := Upload(context.Background(), &recordingUploader{err: boom}, "k", p)
	assert.ErrorIs(t, err, boom)
}

func TestExtractFileMeta_Rejects(t *testing.T) {
	_, err := ExtractFileMeta(t.TempDir())
	assert.ErrorIs(t, err, ErrNotDocument)

	_, err = ExtractFileMeta(writeFile(t, "empty.pdf", nil))
	assert.ErrorIs(t, err, ErrNotDocument)

	_, err = ExtractFileMeta(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDocumentKey(t *testing.T) {
	meta := FileMeta{Name: "Q1 report.pdf", ModTime: time.Unix(1714557600, 0)}
	assert.Equal(t, "documents/acme/1714557600-Q1_report.pdf", DocumentKey(" /acme/ ", meta))
	assert.Equal(t, "documents/default/1714557600-Q1_report.pdf", DocumentKey("", meta))
}
