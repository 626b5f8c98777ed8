package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
)

func TestLocalStore_PutGetRoundtrip(t *testing.T) {
	store, err := New(context.Background(), config.FileStoreConfig{Backend: "local", UserDataDir: t.TempDir()})
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), "deadbeef", []byte("pdf bytes"))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "pdf bytes", string(got))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.FileStoreConfig{Backend: "nope"})
	require.Error(t, err)
}
