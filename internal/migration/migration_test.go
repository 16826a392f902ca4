package migration

import (
	"context"
	"testing"
	"time"

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

type harness struct {
	engine  *Engine
	objects *objmgr.Manager
	tablets *tablet.Manager
}

func newHarness(t *testing.T, selfID uint64) *harness {
	t.Helper()
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	objects := objmgr.NewManager(log, hashindex.New(), tablets, indexlet.NewManager(), dedup.New(), txn.NewPreparedWrites())
	engine := NewEngine(log, objects, tablets, indexlet.NewManager(), coordinator.NewFake(), selfID, 64*1024, 2*time.Second)
	return &harness{engine: engine, objects: objects, tablets: tablets}
}

type localDest struct{ h *harness }

func (d *localDest) PrepForMigration(ctx context.Context, tableID, firstHash, lastHash uint64) (logio.Position, error) {
	return d.h.engine.PrepForMigration(tableID, firstHash, lastHash)
}

func (d *localDest) ReceiveMigrationData(ctx context.Context, tableID, firstHash uint64, segmentID uint64, data []byte) error {
	return d.h.engine.ReceiveMigrationData(tableID, firstHash, segmentID, data)
}

func TestMigrateTabletShipsLiveObjects(t *testing.T) {
	src := newHarness(t, 1)
	dst := newHarness(t, 2)

	require.NoError(t, src.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	k := keyspace.Key{TableID: 1, Bytes: []byte("moveme")}
	_, _, err := src.objects.WriteObject(logio.Object{TableID: 1, Keys: []keyspace.Key{k}, Value: []byte("hello")}, logio.RejectRules{}, nil)
	require.NoError(t, err)

	dest := &localDest{h: dst}
	err = src.engine.MigrateTablet(context.Background(), dest, 1, 0, ^uint64(0), 2)
	require.NoError(t, err)

	_, stillOwned := src.tablets.GetTablet(1, k.Hash())
	require.False(t, stillOwned, "source must drop the tablet after a successful migration")

	got, err := dst.objects.ReadObject(k, logio.RejectRules{})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Value)
}

func TestMigrateTabletRejectsSelfTarget(t *testing.T) {
	src := newHarness(t, 1)
	require.NoError(t, src.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	err := src.engine.MigrateTablet(context.Background(), &localDest{h: src}, 1, 0, ^uint64(0), 1)
	require.Error(t, err)
}

func TestMigrateTabletUnknownRange(t *testing.T) {
	src := newHarness(t, 1)
	dst := newHarness(t, 2)
	err := src.engine.MigrateTablet(context.Background(), &localDest{h: dst}, 1, 0, 100, 2)
	require.Error(t, err)
}
