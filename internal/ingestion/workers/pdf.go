package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/filestore"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// PDFTextExtractor is the consumed collaborator that turns PDF bytes
// into plain text and a best-effort title. Its internal parsing is
// explicitly out of scope (spec.md's "HTML/PDF text extraction ...
// internal parsing is not spec'd") — this repo only defines the
// interface a real extractor plugs into.
type PDFTextExtractor interface {
	ExtractText(ctx context.Context, pdfBytes []byte) (text string, title string, err error)
}

// PDFFetcher implements Fetcher for job type "pdf": reads a local file,
// bounds it by maxFileSizeBytes, computes its SHA-256 fileHash, persists
// it via filestore.Store, and delegates text extraction to a
// PDFTextExtractor.
type PDFFetcher struct {
	extractor        PDFTextExtractor
	store            filestore.Store
	maxFileSizeBytes int64
}

// NewPDFFetcher builds a PDFFetcher. extractor must be non-nil; store
// may be nil to skip file persistence (tests/dry-run).
func NewPDFFetcher(extractor PDFTextExtractor, store filestore.Store, limits config.IngestionLimits) *PDFFetcher {
	maxBytes := limits.MaxFileSizeBytes
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &PDFFetcher{extractor: extractor, store: store, maxFileSizeBytes: maxBytes}
}

func (f *PDFFetcher) Fetch(ctx context.Context, job model.Job) (FetchResult, error) {
	path := strings.TrimSpace(job.SourceIdentifier)
	if path == "" {
		return FetchResult{}, ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("empty source path"))
	}

	info, err := os.Stat(path)
	if err != nil {
		return FetchResult{}, ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("stat %s: %w", path, err))
	}
	// Bounded inputs (spec §4.4): files above the configured size fail
	// immediately with a non-retryable taxonomy, checked before reading
	// the file into memory.
	if info.Size() > f.maxFileSizeBytes {
		return FetchResult{}, ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("file %s exceeds max size (%d > %d bytes)", path, info.Size(), f.maxFileSizeBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FetchResult{}, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("read %s: %w", path, err))
	}

	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	text, title, err := f.extractor.ExtractText(ctx, data)
	if err != nil {
		return FetchResult{}, ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("extract pdf text %s: %w", path, err))
	}
	if strings.TrimSpace(title) == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var internalPath string
	if f.store != nil {
		internalPath, err = f.store.Put(ctx, fileHash, data)
		if err != nil {
			return FetchResult{}, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("persist pdf %s: %w", fileHash, err))
		}
	}

	return FetchResult{
		ObjectType:       model.ObjectTypePDF,
		SourceURI:        path,
		FileHash:         fileHash,
		Title:            title,
		CleanedText:      text,
		InternalFilePath: internalPath,
	}, nil
}
