// Package recovery implements RecoveryEngine (spec.md section 4.6, C11):
// pipelined fetch of filtered log segments from multiple backups,
// concurrent replay into a side-log, and atomic commit of recovered
// state under partial backup failure.
//
// Grounded on the teacher's storageserver.Server bootstrapping a
// replicated log reader over several scalog data-service addresses, but
// recast here as a one-shot bounded-fanout scatter/gather instead of a
// steady-state subscription.
package recovery

import (
	"context"

	"github.com/chn0318/logmaster/internal/clustertime"
	"github.com/chn0318/logmaster/internal/coordinator"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/logging"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
)

var log = logging.Named("recovery")

// ReplicaState is a fetch's progress, mirroring spec.md section 4.6's
// {NOT_STARTED, WAITING, OK, FAILED}.
type ReplicaState int

const (
	NotStarted ReplicaState = iota
	Waiting
	OK
	Failed
)

// Replica names one (backupId, segmentId) copy of a log segment this
// recovery needs replayed, plus the fetch's current state.
type Replica struct {
	BackupID  uint64
	SegmentID uint64
	State     ReplicaState
}

// TabletSpec and IndexletSpec describe the ranges a recoveryPartition
// hands this master to recover (spec.md section 4.6).
type TabletSpec struct {
	TableID, FirstKeyHash, LastKeyHash uint64
}

type IndexletSpec struct {
	TableID, IndexID           uint64
	FirstKey, FirstNotOwnedKey []byte
	BackingTableID             uint64
}

// Partition is the recoveryPartition input: the tablets and indexlets
// this master is being asked to take over.
type Partition struct {
	Tablets   []TabletSpec
	Indexlets []IndexletSpec
}

// BackupClient is what the recovery engine needs from the backup
// transport: fetch one segment's bytes, or fail with a transport-level
// error that should be treated as status.ServerNotUpError.
type BackupClient interface {
	FetchSegment(ctx context.Context, backupID, segmentID uint64) ([]byte, error)
}

// Engine drives one master's side of RecoveryEngine.
type Engine struct {
	log       *logio.Log
	objects   *objmgr.Manager
	tablets   *tablet.Manager
	indexlets *indexlet.Manager
	prepared  *txn.PreparedWrites
	clock     *clustertime.Clock
	coord     coordinator.Client
	selfID    uint64
	fanout    int
}

func NewEngine(log *logio.Log, objects *objmgr.Manager, tablets *tablet.Manager, indexlets *indexlet.Manager, prepared *txn.PreparedWrites, clock *clustertime.Clock, coord coordinator.Client, selfID uint64, fanout int) *Engine {
	if fanout <= 0 {
		fanout = 4
	}
	return &Engine{
		log:       log,
		objects:   objects,
		tablets:   tablets,
		indexlets: indexlets,
		prepared:  prepared,
		clock:     clock,
		coord:     coord,
		selfID:    selfID,
		fanout:    fanout,
	}
}

type fetchResult struct {
	idx  int
	data []byte
	err  error
}

// Recover runs the full algorithm described in spec.md section 4.6: fetch
// every replica (bounded fanout, sibling failover), replay into a
// SideLog, and either commit and install the recovered state or roll it
// all back, depending on what the coordinator decides.
func (e *Engine) Recover(ctx context.Context, recoveryID, crashedMasterID uint64, partition Partition, replicas []Replica, backups BackupClient) error {
	e.log.Head() // stabilizes ctime metadata the same way spec.md step 1 describes; result unused here

	log.WithFields(map[string]any{
		"recoveryId":      recoveryID,
		"crashedMasterId": crashedMasterID,
		"replicas":        len(replicas),
	}).Info("recovery starting")

	for _, t := range partition.Tablets {
		if err := e.tablets.AddTablet(t.TableID, t.FirstKeyHash, t.LastKeyHash, tablet.Recovering); err != nil {
			return status.Wrap(status.InternalError, err)
		}
	}
	for _, il := range partition.Indexlets {
		if _, err := e.indexlets.AddIndexlet(il.TableID, il.IndexID, il.FirstKey, il.FirstNotOwnedKey, il.BackingTableID, indexlet.Recovering); err != nil {
			return status.Wrap(status.InternalError, err)
		}
	}

	side := logio.NewSideLog(e.log)

	states := make([]ReplicaState, len(replicas))
	segmentIDToIndices := make(map[uint64][]int)
	for i, r := range replicas {
		segmentIDToIndices[r.SegmentID] = append(segmentIDToIndices[r.SegmentID], i)
	}

	nextNodeIDs := make(map[uint64]uint64)

	results := make(chan fetchResult)
	running := make(map[uint64]bool) // segmentID -> fetch in flight
	notStarted := 0
	active := 0

	launch := func(idx int) {
		states[idx] = Waiting
		running[replicas[idx].SegmentID] = true
		active++
		r := replicas[idx]
		go func() {
			data, err := backups.FetchSegment(ctx, r.BackupID, r.SegmentID)
			results <- fetchResult{idx: idx, data: data, err: err}
		}()
	}

	launchNext := func() {
		for notStarted < len(replicas) && states[notStarted] != NotStarted {
			notStarted++
		}
		for i := notStarted; i < len(replicas) && active < e.fanout; i++ {
			if states[i] == NotStarted && !running[replicas[i].SegmentID] {
				launch(i)
			}
		}
	}

	launchNext()

	for active > 0 {
		res := <-results
		active--
		r := replicas[res.idx]
		delete(running, r.SegmentID)

		if res.err == nil {
			entries, decodeErr := logio.DecodeSegmentEntries(res.data)
			if decodeErr == nil {
				it := logio.NewSegmentIterator(r.SegmentID, entries)
				partial, replayErr := e.objects.ReplaySegment(side, it)
				if replayErr == nil {
					for table, id := range partial {
						if id > nextNodeIDs[table] {
							nextNodeIDs[table] = id
						}
					}
					for _, i := range segmentIDToIndices[r.SegmentID] {
						states[i] = OK
					}
				} else {
					states[res.idx] = Failed
				}
			} else {
				states[res.idx] = Failed
			}
		} else {
			states[res.idx] = Failed
		}

		launchNext()
	}

	failedSegments := make(map[uint64]bool)
	for segmentID, indices := range segmentIDToIndices {
		anyOK := false
		for _, i := range indices {
			if states[i] == OK {
				anyOK = true
				break
			}
		}
		if !anyOK {
			failedSegments[segmentID] = true
		}
	}
	if len(failedSegments) > 0 {
		var failed uint64
		for segmentID := range failedSegments {
			failed = segmentID
			break
		}
		log.WithField("recoveryId", recoveryID).WithField("segmentId", failed).Error("recovery unsalvageable: no surviving replica for segment")
		side.Discard()
		e.reportAndRollback(ctx, recoveryID, partition)
		return &status.SegmentRecoveryFailedError{SegmentID: failed}
	}

	// Report to the coordinator, and advance cluster time to its lease
	// timestamp, before committing sideLog: the recovered data must never
	// become visible to a Read/Write (main-log lookups only resolve once
	// committed) ahead of the clock guarantee spec.md section 4.6 step 7
	// calls for, and a rejected result must never have been exposed at all.
	accepted, leaseTimestamp, err := e.coord.RecoveryMasterFinished(ctx, recoveryID, e.selfID, true)
	if err != nil {
		side.Discard()
		return status.Wrap(status.InternalError, err)
	}
	e.clock.Advance(leaseTimestamp)

	if !accepted {
		log.WithField("recoveryId", recoveryID).Warn("coordinator rejected recovery result")
		side.Discard()
		e.rollback(partition)
		return status.New(status.Retry, "recovery %d: coordinator rejected this master's result", recoveryID)
	}

	side.Commit()

	for table, nodeID := range nextNodeIDs {
		for _, il := range e.indexlets.GetIndexlets() {
			if il.BackingTableID == table {
				il.SetNextNodeIDIfHigher(nodeID)
			}
		}
	}
	for _, t := range partition.Tablets {
		if err := e.tablets.ChangeState(t.TableID, t.FirstKeyHash, t.LastKeyHash, tablet.Recovering, tablet.Normal); err != nil {
			return status.Wrap(status.InternalError, err)
		}
	}
	e.prepared.RegrabLocksAfterRecovery(e.objects.KeyLocker())
	log.WithField("recoveryId", recoveryID).Info("recovery finished")
	return nil
}

func (e *Engine) reportAndRollback(ctx context.Context, recoveryID uint64, partition Partition) {
	_, leaseTimestamp, err := e.coord.RecoveryMasterFinished(ctx, recoveryID, e.selfID, false)
	if err == nil {
		e.clock.Advance(leaseTimestamp)
	}
	e.rollback(partition)
}

func (e *Engine) rollback(partition Partition) {
	for _, t := range partition.Tablets {
		e.tablets.DeleteTablet(t.TableID, t.FirstKeyHash, t.LastKeyHash)
	}
	for _, il := range partition.Indexlets {
		e.indexlets.DeleteIndexlet(il.TableID, il.IndexID, il.FirstKey)
	}
	e.objects.RemoveOrphanedObjects()
}
