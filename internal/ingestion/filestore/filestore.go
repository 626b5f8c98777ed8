// Package filestore resolves the persisted-file layout of spec §6.6:
// PDF/bookmark workers write their fetched bytes to
// <userDataDir>/pdfs/<fileHash>.pdf locally, or to the S3-backed
// objectstore adapter when configured, keyed the same way.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/objectstore"
)

// Store persists content-addressed file bytes for file-type Objects
// (PDFs today; any future binary source type follows the same key
// scheme).
type Store interface {
	// Put writes data under fileHash and returns the path/key a
	// caller can later hand back to Get, recorded on
	// Object.InternalFilePath.
	Put(ctx context.Context, fileHash string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// New selects a local-disk or S3-backed Store per cfg.Backend.
func New(ctx context.Context, cfg config.FileStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return newLocalStore(cfg.UserDataDir)
	case "s3":
		backing, err := objectstore.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("filestore: new s3 store: %w", err)
		}
		return &s3Store{backing: backing, prefix: "pdfs/"}, nil
	default:
		return nil, fmt.Errorf("filestore: unknown backend %q", cfg.Backend)
	}
}

type localStore struct {
	dir string
}

func newLocalStore(userDataDir string) (*localStore, error) {
	dir := filepath.Join(userDataDir, "pdfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	return &localStore{dir: dir}, nil
}

func (s *localStore) Put(_ context.Context, fileHash string, data []byte) (string, error) {
	path := filepath.Join(s.dir, fileHash+".pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return path, nil
}

func (s *localStore) Get(_ context.Context, ref string) ([]byte, error) {
	b, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", ref, err)
	}
	return b, nil
}

type s3Store struct {
	backing *objectstore.S3Store
	prefix  string
}

func (s *s3Store) Put(ctx context.Context, fileHash string, data []byte) (string, error) {
	key := s.prefix + fileHash + ".pdf"
	if _, err := s.backing.Put(ctx, key, bytes.NewReader(data), objectstore.PutOptions{ContentType: "application/pdf"}); err != nil {
		return "", fmt.Errorf("filestore: s3 put %s: %w", key, err)
	}
	return key, nil
}

func (s *s3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	rc, _, err := s.backing.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("filestore: s3 get %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("filestore: s3 read %s: %w", ref, err)
	}
	return b, nil
}
