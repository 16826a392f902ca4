package objmgr

import (
	"strconv"
	"testing"

	"github.com/chn0318/logmaster/internal/dedup"
	"github.com/chn0318/logmaster/internal/hashindex"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/replication"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	require.NoError(t, tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	return NewManager(log, hashindex.New(), tablets, indexlet.NewManager(), dedup.New(), txn.NewPreparedWrites())
}

func key(b string) keyspace.Key {
	return keyspace.Key{TableID: 1, Bytes: []byte(b)}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	k := key("alice")

	version, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	got, err := m.ReadObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got.Value)
	require.Equal(t, uint64(1), got.Version)
}

func TestWriteObjectBumpsVersionPastTombstone(t *testing.T) {
	m := newTestManager(t)
	k := key("bob")

	_, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)

	_, err = m.RemoveObject(k, logio.RejectRules{})
	require.NoError(t, err)

	version, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v2")}, logio.RejectRules{}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version, "version must jump past the tombstone's version (1), never reuse it")
}

func TestReadObjectRejectRules(t *testing.T) {
	m := newTestManager(t)
	k := key("carol")

	_, err := m.ReadObject(k, logio.RejectRules{DoesntExist: true})
	require.Error(t, err)
	require.Equal(t, status.ObjectDoesntExist, status.CodeOf(err))

	_, _, err = m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)

	_, err = m.ReadObject(k, logio.RejectRules{Exists: true})
	require.Error(t, err)
	require.Equal(t, status.ObjectExists, status.CodeOf(err))

	_, err = m.ReadObject(k, logio.RejectRules{VersionNeGiven: true, GivenVersion: 99})
	require.Error(t, err)
	require.Equal(t, status.WrongVersion, status.CodeOf(err))
}

func TestRemoveObjectThenReadFails(t *testing.T) {
	m := newTestManager(t)
	k := key("dave")

	_, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)

	old, err := m.RemoveObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), old.Value)

	_, err = m.ReadObject(k, logio.RejectRules{})
	require.Error(t, err)
	require.Equal(t, status.ObjectDoesntExist, status.CodeOf(err))
}

func TestReadHashesSkipsMissingKeys(t *testing.T) {
	m := newTestManager(t)
	present := key("eve")
	missing := key("frank")

	_, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{present}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)

	objects, numHashes, numObjects := m.ReadHashes(1, []keyspace.Key{present, missing})
	require.Equal(t, 2, numHashes)
	require.Equal(t, 1, numObjects)
	require.Len(t, objects, 1)
	require.Equal(t, []byte("v1"), objects[0].Value)
}

func TestPrepareCommitWrite(t *testing.T) {
	m := newTestManager(t)
	k := key("grace")

	op := logio.PreparedOp{
		LeaseID: 1, RPCID: 1, TableID: 1, Op: logio.OpWrite,
		Object: logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("staged")},
	}
	ref, isCommitVote, err := m.PrepareOp(op, nil)
	require.NoError(t, err)
	require.True(t, isCommitVote)

	staged, ok := m.Prepared().PeekOp(1, 1)
	require.True(t, ok)
	require.Equal(t, ref, staged.Ref)

	require.NoError(t, m.CommitWrite(op, ref))

	got, err := m.ReadObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), got.Value)
}

func TestPrepareOpConflictVotesAbort(t *testing.T) {
	m := newTestManager(t)
	k := key("heidi")

	op1 := logio.PreparedOp{LeaseID: 1, RPCID: 1, TableID: 1, Op: logio.OpRemove, RemoveKey: k}
	_, vote1, err := m.PrepareOp(op1, nil)
	require.NoError(t, err)
	require.True(t, vote1)

	op2 := logio.PreparedOp{LeaseID: 2, RPCID: 1, TableID: 1, Op: logio.OpRemove, RemoveKey: k}
	_, vote2, err := m.PrepareOp(op2, nil)
	require.NoError(t, err)
	require.False(t, vote2, "a second prepare on the same key while the first is still held must abort")
}

func TestReplaySegmentAppliesNewestObjectOnly(t *testing.T) {
	m := newTestManager(t)
	k := key("ivan")

	src := logio.NewLog(64*1024, replication.NewFake())
	old := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("old"), Version: 1}
	newer := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("new"), Version: 2}
	_, err := src.Append(logio.NewObjectEntry(old))
	require.NoError(t, err)
	_, err = src.Append(logio.NewObjectEntry(newer))
	require.NoError(t, err)

	side := logio.NewSideLog(m.Log())
	it := src.NewIterator(logio.Position{SegmentID: 1, Offset: 0})
	defer it.Close()

	_, err = m.ReplaySegment(side, it)
	require.NoError(t, err)
	side.Commit()

	ref, ok := m.hashes.Lookup(k)
	require.True(t, ok)
	entry, ok := side.Get(ref)
	require.True(t, ok)
	obj, err := entry.DecodeObject()
	require.NoError(t, err)
	require.Equal(t, []byte("new"), obj.Value)
}

func TestFillWithTestDataLoadsObjectsIdempotently(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.FillWithTestData(1, 5, 16))

	for i := 0; i < 5; i++ {
		obj, err := m.ReadObject(key(strconv.Itoa(i)), logio.RejectRules{})
		require.NoError(t, err)
		require.Len(t, obj.Value, 16)
	}

	require.NoError(t, m.FillWithTestData(1, 5, 16), "re-filling the same range must not error")
}

func TestFillWithTestDataRequiresFullRangeTablet(t *testing.T) {
	m := NewManager(logio.NewLog(64*1024, replication.NewFake()), hashindex.New(), tablet.NewManager(), indexlet.NewManager(), dedup.New(), txn.NewPreparedWrites())
	err := m.FillWithTestData(1, 1, 16)
	require.Error(t, err)
	require.Equal(t, status.ObjectDoesntExist, status.CodeOf(err))
}

func TestReplaySegmentHonorsPreparedOpTombstone(t *testing.T) {
	m := newTestManager(t)
	k := key("mallory")
	op := logio.PreparedOp{
		LeaseID: 1, RPCID: 1, TableID: 1, Op: logio.OpWrite,
		Object: logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("staged")},
	}
	ref, isCommitVote, err := m.PrepareOp(op, nil)
	require.NoError(t, err)
	require.True(t, isCommitVote)
	require.NoError(t, m.CommitWrite(op, ref))
	require.NoError(t, m.TombstonePreparedOp(ref))

	m2 := newTestManager(t)
	side := logio.NewSideLog(m2.Log())
	it := m.Log().NewIterator(logio.Position{SegmentID: 1, Offset: 0})
	defer it.Close()
	_, err = m2.ReplaySegment(side, it)
	require.NoError(t, err)

	_, ok := m2.Prepared().PeekOp(1, 1)
	require.False(t, ok, "a decided PreparedOp must not resurrect as a phantom lock after replay")
}

func TestRemoveOrphanedObjects(t *testing.T) {
	m := newTestManager(t)
	k := key("judy")
	_, _, err := m.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("v1")}, logio.RejectRules{}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, m.RemoveOrphanedObjects(), "should still be owned, nothing removed yet")

	require.True(t, m.Tablets().DeleteTablet(1, 0, ^uint64(0)))
	require.Equal(t, 1, m.RemoveOrphanedObjects())
}
