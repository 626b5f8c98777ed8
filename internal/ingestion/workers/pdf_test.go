package workers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

type fakePDFExtractor struct {
	text  string
	title string
	err   error
}

func (f *fakePDFExtractor) ExtractText(_ context.Context, _ []byte) (string, string, error) {
	return f.text, f.title, f.err
}

type memFileStore struct {
	put map[string][]byte
}

func newMemFileStore() *memFileStore { return &memFileStore{put: make(map[string][]byte)} }

func (m *memFileStore) Put(_ context.Context, fileHash string, data []byte) (string, error) {
	m.put[fileHash] = data
	return "mem://" + fileHash, nil
}

func (m *memFileStore) Get(_ context.Context, ref string) ([]byte, error) {
	return nil, nil
}

func writeTempPDF(t *testing.T, dir string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

func TestPDFFetcher_HappyPath(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPDF(t, dir, []byte("%PDF-1.4 fake contents"))

	extractor := &fakePDFExtractor{text: "extracted body text", title: "A Document"}
	store := newMemFileStore()
	f := NewPDFFetcher(extractor, store, config.IngestionLimits{})

	job := model.Job{SourceIdentifier: path}
	result, err := f.Fetch(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, model.ObjectTypePDF, result.ObjectType)
	require.Equal(t, "A Document", result.Title)
	require.Equal(t, "extracted body text", result.CleanedText)
	require.NotEmpty(t, result.FileHash)
	require.Equal(t, "mem://"+result.FileHash, result.InternalFilePath)
}

func TestPDFFetcher_TitleFallsBackToFileName(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPDF(t, dir, []byte("contents"))

	extractor := &fakePDFExtractor{text: "body", title: "  "}
	f := NewPDFFetcher(extractor, nil, config.IngestionLimits{})

	result, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: path})
	require.NoError(t, err)
	require.Equal(t, "doc", result.Title)
	require.Empty(t, result.InternalFilePath)
}

func TestPDFFetcher_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPDF(t, dir, make([]byte, 1024))

	extractor := &fakePDFExtractor{text: "body"}
	f := NewPDFFetcher(extractor, nil, config.IngestionLimits{MaxFileSizeBytes: 100})

	_, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: path})
	require.Error(t, err)
}

func TestPDFFetcher_MissingFile(t *testing.T) {
	extractor := &fakePDFExtractor{}
	f := NewPDFFetcher(extractor, nil, config.IngestionLimits{})

	_, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: "/nonexistent/path.pdf"})
	require.Error(t, err)
}

func TestPDFFetcher_ExtractorError(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPDF(t, dir, []byte("contents"))

	extractor := &fakePDFExtractor{err: os.ErrInvalid}
	f := NewPDFFetcher(extractor, nil, config.IngestionLimits{})

	_, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: path})
	require.Error(t, err)
}
