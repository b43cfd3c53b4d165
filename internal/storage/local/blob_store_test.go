package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notewatch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})
	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	payload := []byte(`{"code":0,"data":{"items":[]}}`)
	uri, err := store.PutObject(context.Background(), "search/2026/03/01/abc.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "search/2026/03/01/abc.json"), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(dir, "search/2026/03/01/abc.json"))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = store.PutObject(context.Background(), "", "application/json", payload)
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", payload)
	require.ErrorContains(t, err, "traversal")
}
