package indexlet

import (
	"testing"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupAndRemoveEntry(t *testing.T) {
	m := NewManager()
	il, err := m.AddIndexlet(1, 1, []byte("a"), nil, 100, Normal)
	require.NoError(t, err)

	pk1 := keyspace.Key{TableID: 1, Bytes: []byte("pk1")}
	pk2 := keyspace.Key{TableID: 1, Bytes: []byte("pk2")}
	require.NoError(t, il.InsertEntry([]byte("bob"), pk1))
	require.NoError(t, il.InsertEntry([]byte("carl"), pk2))

	got := il.LookupIndexKeys([]byte("bob"), []byte("carl"))
	require.ElementsMatch(t, []keyspace.Key{pk1, pk2}, got)

	require.True(t, il.RemoveEntry([]byte("bob"), pk1))
	got = il.LookupIndexKeys([]byte("bob"), []byte("carl"))
	require.Equal(t, []keyspace.Key{pk2}, got)

	require.False(t, il.RemoveEntry([]byte("bob"), pk1), "already removed")
}

func TestInsertEntryRejectsKeyOutsideOwnedRange(t *testing.T) {
	m := NewManager()
	il, err := m.AddIndexlet(1, 1, []byte("m"), []byte("z"), 100, Normal)
	require.NoError(t, err)

	err = il.InsertEntry([]byte("alpha"), keyspace.Key{TableID: 1, Bytes: []byte("pk")})
	require.Error(t, err)
}

func TestLookupIndexKeysRangeIsInclusiveOnBothEnds(t *testing.T) {
	m := NewManager()
	il, err := m.AddIndexlet(1, 1, nil, nil, 100, Normal)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, il.InsertEntry([]byte(k), keyspace.Key{TableID: 1, Bytes: []byte(k)}))
	}

	got := il.LookupIndexKeys([]byte("b"), []byte("c"))
	require.Len(t, got, 2)
}

func TestManagerGetFindsOwningIndexlet(t *testing.T) {
	m := NewManager()
	_, err := m.AddIndexlet(1, 1, []byte("a"), []byte("m"), 100, Normal)
	require.NoError(t, err)
	_, err = m.AddIndexlet(1, 1, []byte("m"), nil, 101, Normal)
	require.NoError(t, err)

	il, ok := m.Get(1, 1, []byte("b"))
	require.True(t, ok)
	require.Equal(t, uint64(100), il.BackingTableID)

	il, ok = m.Get(1, 1, []byte("z"))
	require.True(t, ok)
	require.Equal(t, uint64(101), il.BackingTableID)

	_, ok = m.Get(1, 2, []byte("b"))
	require.False(t, ok)
}
