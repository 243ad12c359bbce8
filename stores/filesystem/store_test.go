package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"drawsync/core"
	"drawsync/stores/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	storetest.Run(t, store)
}

func TestFilesystemStore_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.json"), []byte(`{"owner_id":"x"}`), 0644))

	for _, id := range []string{"../secret", "..", "", "a/b", `a\b`} {
		_, err := store.Get(context.Background(), id)
		assert.ErrorIs(t, err, core.ErrNotFound, id)
	}
	assert.Error(t, store.Create(context.Background(), &core.Drawing{ID: "../x", OwnerID: "alice"}))
}

func TestFilesystemStore_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Create(context.Background(), &core.Drawing{OwnerID: "alice", Title: "ok"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	list, err := store.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
