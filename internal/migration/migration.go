// Package migration implements MigrationEngine (spec.md section 4.5, C10):
// moving a tablet, or the high half of a split indexlet, to another
// master via the two-phase background-scan-then-drain protocol.
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/chn0318/logmaster/internal/coordinator"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logging"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
)

var log = logging.Named("migration")

// DestinationClient is the narrow, out-of-scope-transport view the
// migration source needs of the destination master (spec.md section 4.5:
// prepForMigration and receiveMigrationData are both RPCs to a peer
// master, not part of this spec's transport layer).
type DestinationClient interface {
	PrepForMigration(ctx context.Context, tableID, firstHash, lastHash uint64) (newOwnerLogHead logio.Position, err error)
	ReceiveMigrationData(ctx context.Context, tableID, firstHash uint64, segmentID uint64, data []byte) error
}

// Engine drives migrateTablet and splitAndMigrateIndexlet.
type Engine struct {
	log       *logio.Log
	objects   *objmgr.Manager
	tablets   *tablet.Manager
	indexlets *indexlet.Manager
	coord     coordinator.Client
	epochs    *Epochs

	selfID          uint64
	segmentCapacity int
	drainTimeout    time.Duration

	transferIDs uint64
}

func NewEngine(log *logio.Log, objects *objmgr.Manager, tablets *tablet.Manager, indexlets *indexlet.Manager, coord coordinator.Client, selfID uint64, segmentCapacity int, drainTimeout time.Duration) *Engine {
	return &Engine{
		log:             log,
		objects:         objects,
		tablets:         tablets,
		indexlets:       indexlets,
		coord:           coord,
		epochs:          NewEpochs(),
		selfID:          selfID,
		segmentCapacity: segmentCapacity,
		drainTimeout:    drainTimeout,
	}
}

// Epochs exposes the engine's epoch tracker so the dispatcher can wrap
// every mutating RPC in Enter/Leave, the half of spec.md section 4.5
// phase 2's drain protocol that lives outside this package.
func (e *Engine) Epochs() *Epochs { return e.epochs }

func (e *Engine) nextTransferID() uint64 {
	e.transferIDs++
	return e.transferIDs
}

func inRange(hash, first, last uint64) bool { return hash >= first && hash <= last }

// entryKeyHash extracts the (tableId, keyHash, key) a log entry concerns,
// for the three entry types migrateTablet cares about (spec.md section
// 4.5: "for each live OBJECT / OBJTOMB / TXDECISION entry").
func entryKeyHash(e logio.Entry) (tableID, keyHash uint64, key keyspace.Key, relevant bool) {
	switch e.Type {
	case logio.EntryObject:
		obj, err := e.DecodeObject()
		if err != nil {
			return 0, 0, keyspace.Key{}, false
		}
		k := obj.PrimaryKey()
		return obj.TableID, k.Hash(), k, true
	case logio.EntryTombstone:
		t, err := e.DecodeTombstone()
		if err != nil {
			return 0, 0, keyspace.Key{}, false
		}
		return t.TableID, t.PrimaryKey.Hash(), t.PrimaryKey, true
	case logio.EntryTxDecision:
		d, err := e.DecodeTxDecision()
		if err != nil {
			return 0, 0, keyspace.Key{}, false
		}
		return d.TableID, d.KeyHash, keyspace.Key{}, true
	default:
		return 0, 0, keyspace.Key{}, false
	}
}

// segmentBuilder accumulates entries into transfer segments, shipping one
// whenever the next entry doesn't fit, and on Flush at the end regardless
// of fullness (spec.md section 4.5 steps 3 and 5).
type segmentBuilder struct {
	capacity int
	nextID   func() uint64
	ship     func(segmentID uint64, data []byte) error
	seg      *logio.Segment
}

func (b *segmentBuilder) add(e logio.Entry) error {
	if b.seg == nil {
		b.seg = logio.NewSegment(b.nextID(), b.capacity)
	}
	if _, ok := b.seg.Append(e); ok {
		return nil
	}
	if b.seg.Len() == 0 {
		return status.New(status.InternalError, "migration: entry too large for an empty transfer segment")
	}
	if err := b.flush(); err != nil {
		return err
	}
	b.seg = logio.NewSegment(b.nextID(), b.capacity)
	if _, ok := b.seg.Append(e); !ok {
		return status.New(status.InternalError, "migration: entry too large for a fresh transfer segment")
	}
	return nil
}

func (b *segmentBuilder) flush() error {
	if b.seg == nil || b.seg.Len() == 0 {
		b.seg = nil
		return nil
	}
	b.seg.Close()
	data, err := b.seg.Bytes()
	if err != nil {
		return err
	}
	id := b.seg.ID
	b.seg = nil
	return b.ship(id, data)
}

// scanTabletRange walks it from its current position to done, shipping
// every live OBJECT (per keyPointsAtReference) and every TOMBSTONE/
// TXDECISION matching (tableID, hash in [firstHash,lastHash]).
func (e *Engine) scanTabletRange(it *logio.Iterator, tableID, firstHash, lastHash uint64, b *segmentBuilder) error {
	for !it.IsDone() {
		entry, ok := it.AppendToBuffer()
		if !ok {
			break
		}
		entTable, keyHash, key, relevant := entryKeyHash(entry)
		if relevant && entTable == tableID && inRange(keyHash, firstHash, lastHash) {
			ship := true
			if entry.Type == logio.EntryObject {
				ship = e.objects.KeyPointsAtReference(key, it.GetReference())
			}
			if ship {
				if err := b.add(entry); err != nil {
					return err
				}
			}
		}
		if !it.Next() {
			break
		}
	}
	return nil
}

// MigrateTablet moves a whole owned NORMAL tablet to newOwner (spec.md
// section 4.5).
func (e *Engine) MigrateTablet(ctx context.Context, dest DestinationClient, tableID, firstHash, lastHash, newOwner uint64) error {
	if newOwner == e.selfID {
		return status.New(status.RequestFormatError, "migrateTablet: newOwner must differ from this master")
	}
	t, ok := e.tablets.GetTablet(tableID, firstHash)
	if !ok || t.FirstKeyHash != firstHash || t.LastKeyHash != lastHash || t.State != tablet.Normal {
		return status.New(status.UnknownTablet, "migrateTablet: no NORMAL tablet [%d,%d] on table %d", firstHash, lastHash, tableID)
	}
	log.WithField("tableId", tableID).WithField("newOwner", newOwner).Info("tablet migration starting")

	newOwnerLogHead, err := dest.PrepForMigration(ctx, tableID, firstHash, lastHash)
	if err != nil {
		return fmt.Errorf("migration: prepForMigration: %w", err)
	}

	builder := &segmentBuilder{capacity: e.segmentCapacity, nextID: e.nextTransferID, ship: func(id uint64, data []byte) error {
		return dest.ReceiveMigrationData(ctx, tableID, firstHash, id, data)
	}}

	it := e.log.NewIterator(logio.Position{SegmentID: 0, Offset: 0})
	defer it.Close()

	// Phase 1: background scan up to the log's current head.
	if err := e.scanTabletRange(it, tableID, firstHash, lastHash, builder); err != nil {
		return err
	}

	// Phase 2: close the window. Lock the tablet, drain writes already
	// in flight, then refresh the iterator and ship whatever landed
	// while phase 1 was catching up.
	if err := e.tablets.ChangeState(tableID, firstHash, lastHash, tablet.Normal, tablet.LockedForMigration); err != nil {
		return fmt.Errorf("migration: lock tablet for migration: %w", err)
	}
	epoch := e.epochs.NextEpoch()
	if err := e.epochs.DrainPast(ctx, epoch, e.drainTimeout); err != nil {
		return err
	}
	it.Refresh()
	if err := e.scanTabletRange(it, tableID, firstHash, lastHash, builder); err != nil {
		return err
	}

	if err := builder.flush(); err != nil {
		return err
	}

	if err := e.coord.ReassignTabletOwnership(ctx, tableID, firstHash, lastHash, newOwner, newOwnerLogHead); err != nil {
		return fmt.Errorf("migration: reassignTabletOwnership: %w", err)
	}
	e.tablets.DeleteTablet(tableID, firstHash, lastHash)
	e.objects.RemoveOrphanedObjects()
	log.WithField("tableId", tableID).WithField("newOwner", newOwner).Info("tablet migration complete")
	return nil
}

// scanIndexletRange mirrors scanTabletRange but for INDEX_NODE entries of
// one backing table, filtered by isGreaterOrEqual(nodeKey, splitKey) and
// rewritten to carry newBackingTableID (spec.md section 4.5).
func (e *Engine) scanIndexletRange(it *logio.Iterator, il *indexlet.Indexlet, backingTableID, newBackingTableID uint64, splitKey []byte, b *segmentBuilder) error {
	for !it.IsDone() {
		entry, ok := it.AppendToBuffer()
		if !ok {
			break
		}
		if entry.Type == logio.EntryIndexNode {
			node, err := entry.DecodeIndexNode()
			if err == nil && node.BackingTableID == backingTableID && il.IsGreaterOrEqual(node.NodeKey, splitKey) {
				node.BackingTableID = newBackingTableID
				if err := b.add(logio.NewIndexNodeEntry(node)); err != nil {
					return err
				}
			}
		}
		if !it.Next() {
			break
		}
	}
	return nil
}

// SplitAndMigrateIndexlet ships the high half ([splitKey, ...)) of an
// owned indexlet to newOwner under a fresh backing table id, removing
// the migrated entries from the local copy (spec.md section 4.5). The
// local indexlet's owned range is not narrowed; see Indexlet.Truncate.
func (e *Engine) SplitAndMigrateIndexlet(ctx context.Context, dest DestinationClient, tableID, indexID uint64, splitKey []byte, currentBackingTableID, newBackingTableID, newOwner uint64) error {
	if newOwner == e.selfID {
		return status.New(status.RequestFormatError, "splitAndMigrateIndexlet: newOwner must differ from this master")
	}
	il, ok := e.indexlets.Get(tableID, indexID, splitKey)
	if !ok {
		return status.New(status.UnknownIndexlet, "splitAndMigrateIndexlet: no indexlet owns split key on table %d index %d", tableID, indexID)
	}

	newOwnerLogHead, err := dest.PrepForMigration(ctx, currentBackingTableID, 0, ^uint64(0))
	if err != nil {
		return fmt.Errorf("migration: prepForMigration (indexlet): %w", err)
	}

	builder := &segmentBuilder{capacity: e.segmentCapacity, nextID: e.nextTransferID, ship: func(id uint64, data []byte) error {
		return dest.ReceiveMigrationData(ctx, currentBackingTableID, 0, id, data)
	}}

	it := e.log.NewIterator(logio.Position{SegmentID: 0, Offset: 0})
	defer it.Close()

	if err := e.scanIndexletRange(it, il, currentBackingTableID, newBackingTableID, splitKey, builder); err != nil {
		return err
	}

	// Between phase 1 and phase 2, drop the local entries at or after
	// splitKey; the phase-2 scan below then ships what was appended since.
	il.Truncate(splitKey)

	it.Refresh()
	if err := e.scanIndexletRange(it, il, currentBackingTableID, newBackingTableID, splitKey, builder); err != nil {
		return err
	}
	if err := builder.flush(); err != nil {
		return err
	}

	_ = newOwnerLogHead
	return nil
}

// PrepForMigration is the destination-side handler for migrateTablet step
// 1 (spec.md section 4.5): allocate a RECOVERING tablet for the incoming
// range and report this master's current log head, or fail with
// ObjectExists/Retry if the range can't be accepted right now.
func (e *Engine) PrepForMigration(tableID, firstHash, lastHash uint64) (logio.Position, error) {
	if _, ok := e.tablets.GetTablet(tableID, firstHash); ok {
		return logio.Position{}, status.New(status.ObjectExists, "prepForMigration: a tablet already covers table %d hash %d", tableID, firstHash)
	}
	if err := e.tablets.AddTablet(tableID, firstHash, lastHash, tablet.Recovering); err != nil {
		return logio.Position{}, status.Wrap(status.Retry, err)
	}
	return e.log.Head(), nil
}

// ReceiveMigrationData is the destination-side handler (spec.md section
// 4.5): verify the tablet exists and is RECOVERING, replay the received
// segment into a SideLog, commit, and fold indexlet nodeId high-water
// marks forward.
func (e *Engine) ReceiveMigrationData(tableID, firstHash uint64, segmentID uint64, data []byte) error {
	t, ok := e.tablets.GetTablet(tableID, firstHash)
	if !ok || t.State != tablet.Recovering {
		return status.New(status.UnknownTablet, "receiveMigrationData: no RECOVERING tablet for table %d hash %d", tableID, firstHash)
	}

	entries, err := logio.DecodeSegmentEntries(data)
	if err != nil {
		return &status.SegmentIteratorError{SegmentID: segmentID, Cause: err}
	}

	side := logio.NewSideLog(e.log)
	it := logio.NewSegmentIterator(segmentID, entries)
	nextNodeIDs, err := e.objects.ReplaySegment(side, it)
	if err != nil {
		return err
	}
	side.Commit()

	for backingTableID, nodeID := range nextNodeIDs {
		for _, il := range e.indexlets.GetIndexlets() {
			if il.BackingTableID == backingTableID {
				il.SetNextNodeIDIfHigher(nodeID)
			}
		}
	}
	return nil
}
