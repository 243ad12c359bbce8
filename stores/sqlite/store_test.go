package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"drawsync/core"
	"drawsync/stores/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "drawsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storetest.Run(t, store)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drawsync.db")

	first, err := NewStore(path)
	require.NoError(t, err)
	d := &core.Drawing{OwnerID: "alice", Title: "Persisted", Document: []byte(`{"a":1}`)}
	require.NoError(t, first.Create(ctx, d))
	require.NoError(t, first.Close())

	second, err := NewStore(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Title)
	assert.True(t, d.UpdatedAt.Equal(got.UpdatedAt))
}
