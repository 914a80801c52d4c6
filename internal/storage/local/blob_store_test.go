// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "out")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("RelativeBaseDir", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: "."})
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(store.BaseDir()))
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		path := "00001234 - Vol 1 - Chapter 2 - gb - Title/0001.png"
		data := []byte("png bytes")
		uri, err := store.PutObject(ctx, path, "image/png", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		entries, err := os.ReadDir(filepath.Dir(filepath.Join(tempDir, path)))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "p.png", "image/png", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "p.png", "image/png", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, "p.png"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "image/png", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.png", "image/png", bytes.NewReader([]byte("data")))
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestExists(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "ch/0001.png")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.PutObject(ctx, "ch/0001.png", "image/png", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	exists, err = store.Exists(ctx, "ch/0001.png")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.Exists(ctx, "../../etc/passwd")
	assert.Error(t, err)
}
