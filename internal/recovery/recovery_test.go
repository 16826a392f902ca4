package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/chn0318/logmaster/internal/clustertime"
	"github.com/chn0318/logmaster/internal/coordinator"
	"github.com/chn0318/logmaster/internal/dedup"
	"github.com/chn0318/logmaster/internal/hashindex"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/replication"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
	"github.com/stretchr/testify/require"
)

type fakeBackups struct {
	segments map[uint64][]byte // segmentID -> encoded bytes
	down     map[uint64]bool   // backupID -> always fails
}

var errBackupDown = errors.New("backup is not up")

func (f *fakeBackups) FetchSegment(ctx context.Context, backupID, segmentID uint64) ([]byte, error) {
	if f.down[backupID] {
		return nil, errBackupDown
	}
	data, ok := f.segments[segmentID]
	if !ok {
		return nil, errBackupDown
	}
	return data, nil
}

func buildSegment(t *testing.T, id uint64, entries ...logio.Entry) []byte {
	t.Helper()
	seg := logio.NewSegment(id, 64*1024)
	for _, e := range entries {
		_, ok := seg.Append(e)
		require.True(t, ok)
	}
	seg.Close()
	data, err := seg.Bytes()
	require.NoError(t, err)
	return data
}

func newEngine(t *testing.T) (*Engine, *objmgr.Manager, *tablet.Manager) {
	t.Helper()
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	indexlets := indexlet.NewManager()
	prepared := txn.NewPreparedWrites()
	objects := objmgr.NewManager(log, hashindex.New(), tablets, indexlets, dedup.New(), prepared)
	clock := &clustertime.Clock{}
	coord := coordinator.NewFake()
	eng := NewEngine(log, objects, tablets, indexlets, prepared, clock, coord, 9, 4)
	return eng, objects, tablets
}

func TestRecoverCommitsWhenAllSegmentsHaveAnOKReplica(t *testing.T) {
	eng, objects, tablets := newEngine(t)

	k := keyspace.Key{TableID: 1, Bytes: []byte("recovered")}
	obj := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("world"), Version: 1}
	data := buildSegment(t, 100, logio.NewObjectEntry(obj))

	backups := &fakeBackups{segments: map[uint64][]byte{100: data}}
	partition := Partition{Tablets: []TabletSpec{{TableID: 1, FirstKeyHash: 0, LastKeyHash: ^uint64(0)}}}
	replicas := []Replica{{BackupID: 1, SegmentID: 100}}

	err := eng.Recover(context.Background(), 42, 7, partition, replicas, backups)
	require.NoError(t, err)

	got, err := objects.ReadObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got.Value)

	tb, ok := tablets.GetTablet(1, k.Hash())
	require.True(t, ok)
	require.Equal(t, tablet.Normal, tb.State)
}

func TestRecoverFailsOverToSiblingReplica(t *testing.T) {
	eng, objects, _ := newEngine(t)

	k := keyspace.Key{TableID: 1, Bytes: []byte("sibling")}
	obj := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("ok"), Version: 1}
	data := buildSegment(t, 200, logio.NewObjectEntry(obj))

	backups := &fakeBackups{
		segments: map[uint64][]byte{200: data},
		down:     map[uint64]bool{1: true}, // backup 1's copy of segment 200 always fails
	}
	partition := Partition{Tablets: []TabletSpec{{TableID: 1, FirstKeyHash: 0, LastKeyHash: ^uint64(0)}}}
	replicas := []Replica{
		{BackupID: 1, SegmentID: 200},
		{BackupID: 2, SegmentID: 200},
	}

	err := eng.Recover(context.Background(), 43, 7, partition, replicas, backups)
	require.NoError(t, err)

	got, err := objects.ReadObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), got.Value)
}

func TestRecoverUnsalvageableWhenAllReplicasFail(t *testing.T) {
	eng, _, tablets := newEngine(t)

	backups := &fakeBackups{segments: map[uint64][]byte{}}
	partition := Partition{Tablets: []TabletSpec{{TableID: 1, FirstKeyHash: 0, LastKeyHash: ^uint64(0)}}}
	replicas := []Replica{
		{BackupID: 1, SegmentID: 300},
		{BackupID: 2, SegmentID: 300},
	}

	err := eng.Recover(context.Background(), 44, 7, partition, replicas, backups)
	require.Error(t, err)

	_, ok := tablets.GetTablet(1, 0)
	require.False(t, ok, "failed recovery must roll back the RECOVERING tablet it installed")
}

func TestRecoverNeverExposesDataWhenCoordinatorRejects(t *testing.T) {
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	indexlets := indexlet.NewManager()
	prepared := txn.NewPreparedWrites()
	objects := objmgr.NewManager(log, hashindex.New(), tablets, indexlets, dedup.New(), prepared)
	clock := &clustertime.Clock{}
	coord := coordinator.NewFake()
	coord.AcceptFinish = false
	coord.LeaseTimestamp = 500
	eng := NewEngine(log, objects, tablets, indexlets, prepared, clock, coord, 9, 4)

	k := keyspace.Key{TableID: 1, Bytes: []byte("rejected")}
	obj := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("world"), Version: 1}
	data := buildSegment(t, 400, logio.NewObjectEntry(obj))
	backups := &fakeBackups{segments: map[uint64][]byte{400: data}}
	partition := Partition{Tablets: []TabletSpec{{TableID: 1, FirstKeyHash: 0, LastKeyHash: ^uint64(0)}}}
	replicas := []Replica{{BackupID: 1, SegmentID: 400}}

	err := eng.Recover(context.Background(), 46, 7, partition, replicas, backups)
	require.Error(t, err)

	_, err = objects.ReadObject(k, logio.RejectRules{})
	require.Error(t, err, "a rejected recovery must never commit its replayed data as live")
	require.Equal(t, uint64(500), clock.Now(), "cluster time still advances to the coordinator's lease timestamp even on rejection")
}

func TestRecoverAppliesFanoutLimit(t *testing.T) {
	eng, objects, _ := newEngine(t)

	segments := make(map[uint64][]byte)
	var replicas []Replica
	for i := uint64(0); i < 10; i++ {
		k := keyspace.Key{TableID: 1, Bytes: []byte{byte(i)}}
		obj := logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte{byte(i)}, Version: 1}
		segments[i] = buildSegment(t, i, logio.NewObjectEntry(obj))
		replicas = append(replicas, Replica{BackupID: i, SegmentID: i})
	}
	backups := &fakeBackups{segments: segments}
	partition := Partition{Tablets: []TabletSpec{{TableID: 1, FirstKeyHash: 0, LastKeyHash: ^uint64(0)}}}

	err := eng.Recover(context.Background(), 45, 7, partition, replicas, backups)
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		k := keyspace.Key{TableID: 1, Bytes: []byte{byte(i)}}
		_, err := objects.ReadObject(k, logio.RejectRules{})
		require.NoError(t, err)
	}
}
