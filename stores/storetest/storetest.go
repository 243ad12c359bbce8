// Package storetest is the behavior every core.DrawingStore must share.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"drawsync/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the DrawingStore contract. The store must be
// empty.
func Run(t *testing.T, store core.DrawingStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, store) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, store) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, store) })
	t.Run("UpdateReplacesDocument", func(t *testing.T) { testUpdateReplacesDocument(t, store) })
	t.Run("UpdatePartial", func(t *testing.T) { testUpdatePartial(t, store) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, store) })
	t.Run("ConcurrentUpdatesAdvanceVersion", func(t *testing.T) { testConcurrentUpdates(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
}

func create(t *testing.T, store core.DrawingStore, owner, title, doc string) *core.Drawing {
	t.Helper()
	d := &core.Drawing{OwnerID: owner, Title: title, Document: json.RawMessage(doc)}
	require.NoError(t, store.Create(context.Background(), d))
	require.NotEmpty(t, d.ID)
	require.False(t, d.UpdatedAt.IsZero())
	return d
}

func testCreateAndGet(t *testing.T, store core.DrawingStore) {
	d := create(t, store, "alice", "Sketch", `{"shapes":["x"]}`)

	got, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "Sketch", got.Title)
	assert.JSONEq(t, `{"shapes":["x"]}`, string(got.Document))
	assert.True(t, d.UpdatedAt.Equal(got.UpdatedAt), "version token must round-trip exactly")
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
}

func testGetMissing(t *testing.T, store core.DrawingStore) {
	_, err := store.Get(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testListByOwner(t *testing.T, store core.DrawingStore) {
	ctx := context.Background()
	first := create(t, store, "lister", "First", `{}`)
	second := create(t, store, "lister", "Second", `{}`)
	create(t, store, "someone-else", "Other", `{}`)

	title := "Second, edited"
	_, err := store.Update(ctx, second.ID, core.DrawingPatch{Title: &title})
	require.NoError(t, err)

	list, err := store.List(ctx, "lister")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)
	for _, d := range list {
		assert.Empty(t, d.Document, "list returns metadata only")
		assert.Equal(t, "lister", d.OwnerID)
	}

	empty, err := store.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testUpdateReplacesDocument(t *testing.T, store core.DrawingStore) {
	ctx := context.Background()
	d := create(t, store, "alice", "Board", `{"a":1,"b":2}`)

	updated, err := store.Update(ctx, d.ID, core.DrawingPatch{Document: json.RawMessage(`{"c":3}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":3}`, string(updated.Document), "whole-document replace, not merge")
	assert.Equal(t, "Board", updated.Title)
	assert.True(t, updated.UpdatedAt.After(d.UpdatedAt))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
}

func testUpdatePartial(t *testing.T, store core.DrawingStore) {
	ctx := context.Background()
	d := create(t, store, "alice", "Board", `{"keep":true}`)

	title, thumb := "Renamed", "data:image/png;base64,AAAA"
	updated, err := store.Update(ctx, d.ID, core.DrawingPatch{Title: &title, Thumbnail: &thumb})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, thumb, updated.Thumbnail)
	assert.JSONEq(t, `{"keep":true}`, string(updated.Document))
}

func testUpdateMissing(t *testing.T, store core.DrawingStore) {
	title := "x"
	_, err := store.Update(context.Background(), "01HYYYYYYYYYYYYYYYYYYYYYYY", core.DrawingPatch{Title: &title})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testConcurrentUpdates(t *testing.T, store core.DrawingStore) {
	ctx := context.Background()
	d := create(t, store, "alice", "Race", `{}`)

	const writers = 8
	var wg sync.WaitGroup
	results := make([]*core.Drawing, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := json.RawMessage(`{"writer":` + string(rune('0'+i)) + `}`)
			updated, err := store.Update(ctx, d.ID, core.DrawingPatch{Document: doc})
			if assert.NoError(t, err) {
				results[i] = updated
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)

	// The stored state is exactly the commit with the greatest version.
	var last *core.Drawing
	seen := map[int64]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		assert.False(t, seen[r.UpdatedAt.UnixMicro()], "each commit gets its own version")
		seen[r.UpdatedAt.UnixMicro()] = true
		if last == nil || r.UpdatedAt.After(last.UpdatedAt) {
			last = r
		}
	}
	assert.True(t, last.UpdatedAt.Equal(got.UpdatedAt))
	assert.JSONEq(t, string(last.Document), string(got.Document))
}

func testDelete(t *testing.T, store core.DrawingStore) {
	ctx := context.Background()
	d := create(t, store, "alice", "Doomed", `{}`)

	require.NoError(t, store.Delete(ctx, d.ID))
	_, err := store.Get(ctx, d.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, d.ID), core.ErrNotFound)
}
