package hashindex

import (
	"testing"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/stretchr/testify/require"
)

func TestInsertOrReplaceAndLookup(t *testing.T) {
	h := New()
	k := keyspace.Key{TableID: 1, Bytes: []byte("a")}

	_, hadOld := h.InsertOrReplace(k, logio.Reference{SegmentID: 1, Offset: 0})
	require.False(t, hadOld)

	old, hadOld := h.InsertOrReplace(k, logio.Reference{SegmentID: 1, Offset: 10})
	require.True(t, hadOld)
	require.Equal(t, logio.Reference{SegmentID: 1, Offset: 0}, old)

	got, ok := h.Lookup(k)
	require.True(t, ok)
	require.Equal(t, logio.Reference{SegmentID: 1, Offset: 10}, got)
}

func TestRemoveDeletesEntry(t *testing.T) {
	h := New()
	k := keyspace.Key{TableID: 1, Bytes: []byte("a")}
	h.InsertOrReplace(k, logio.Reference{SegmentID: 1, Offset: 0})

	require.True(t, h.Remove(k))
	_, ok := h.Lookup(k)
	require.False(t, ok)
	require.False(t, h.Remove(k))
}

func TestEnumeratePageCoversEveryEntryExactlyOnce(t *testing.T) {
	h := New()
	keys := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	for i, k := range keys {
		h.InsertOrReplace(keyspace.Key{TableID: 7, Bytes: []byte(k)}, logio.Reference{SegmentID: uint64(i), Offset: 0})
	}
	// A different table must never leak into the page.
	h.InsertOrReplace(keyspace.Key{TableID: 8, Bytes: []byte("other")}, logio.Reference{SegmentID: 99})

	seen := make(map[string]bool)
	start := uint64(0)
	pages := 0
	for {
		pages++
		got, refs, next, done := h.EnumeratePage(7, start, 2)
		require.LessOrEqual(t, len(got), 2)
		require.Equal(t, len(got), len(refs))
		for _, k := range got {
			require.False(t, seen[string(k.Bytes)], "key %q returned twice across pages", k.Bytes)
			seen[string(k.Bytes)] = true
		}
		if done {
			break
		}
		start = next
		require.Less(t, pages, 20, "paging should terminate well before this many rounds")
	}
	require.Len(t, seen, len(keys))
}

func TestEnumeratePageEmptyTableIsImmediatelyDone(t *testing.T) {
	h := New()
	got, refs, next, done := h.EnumeratePage(42, 0, 10)
	require.Nil(t, got)
	require.Nil(t, refs)
	require.Equal(t, uint64(0), next)
	require.True(t, done)
}

func TestRemoveOrphanedObjectsPurgesUnowned(t *testing.T) {
	h := New()
	owned := keyspace.Key{TableID: 1, Bytes: []byte("owned")}
	orphan := keyspace.Key{TableID: 1, Bytes: []byte("orphan")}
	h.InsertOrReplace(owned, logio.Reference{SegmentID: 1})
	h.InsertOrReplace(orphan, logio.Reference{SegmentID: 2})

	removed := h.RemoveOrphanedObjects(func(tableID, keyHash uint64) bool {
		return keyHash == owned.Hash()
	})
	require.Equal(t, 1, removed)

	_, ok := h.Lookup(owned)
	require.True(t, ok)
	_, ok = h.Lookup(orphan)
	require.False(t, ok)
}
