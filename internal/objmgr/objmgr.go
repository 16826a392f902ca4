// Package objmgr implements ObjectManager (spec.md section 4.2, C6): the
// component mediating every client request against the log and hash
// index, and the deterministic replay path recovery and migration both
// drive through replaySegment.
//
// Grounded on storageserver.Server's MultiPut/MultiGet handlers in the
// teacher repo (check-then-append-then-index-update per key, striped by
// hash bucket), generalized from a flat map store to log-structured
// storage with versions, tombstones, and transactional staging.
package objmgr

import (
	"github.com/chn0318/logmaster/internal/dedup"
	"github.com/chn0318/logmaster/internal/hashindex"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
)

// Manager is the ObjectManager described in spec.md section 4.2.
type Manager struct {
	log       *logio.Log
	hashes    *hashindex.HashIndex
	tablets   *tablet.Manager
	indexlets *indexlet.Manager
	rpcs      *dedup.UnackedRpcResults
	prepared  *txn.PreparedWrites
	locks     *keyLocks
	versions  *versionTable
}

func NewManager(log *logio.Log, hashes *hashindex.HashIndex, tablets *tablet.Manager, indexlets *indexlet.Manager, rpcs *dedup.UnackedRpcResults, prepared *txn.PreparedWrites) *Manager {
	return &Manager{
		log:       log,
		hashes:    hashes,
		tablets:   tablets,
		indexlets: indexlets,
		rpcs:      rpcs,
		prepared:  prepared,
		locks:     &keyLocks{},
		versions:  newVersionTable(),
	}
}

// Accessors let internal/master wire the rest of a request's dispatch
// (dedup check, transactional staging) around the operations below
// without this package reaching back out to master.
func (m *Manager) Log() *logio.Log                   { return m.log }
func (m *Manager) Tablets() *tablet.Manager          { return m.tablets }
func (m *Manager) Indexlets() *indexlet.Manager       { return m.indexlets }
func (m *Manager) Rpcs() *dedup.UnackedRpcResults     { return m.rpcs }
func (m *Manager) Prepared() *txn.PreparedWrites      { return m.prepared }
func (m *Manager) KeyLocker() txn.KeyLocker           { return m.locks }

// checkRejectRules mirrors RAMCloud's reject-rules semantics (spec.md
// section 4.2): doesntExist/exists veto based on current liveness,
// versionNeGiven vetoes unless the live version matches exactly.
func checkRejectRules(rr logio.RejectRules, exists bool, currentVersion uint64) status.Code {
	if !exists {
		if rr.DoesntExist {
			return status.ObjectDoesntExist
		}
		return status.OK
	}
	if rr.Exists {
		return status.ObjectExists
	}
	if rr.VersionNeGiven && currentVersion != rr.GivenVersion {
		return status.WrongVersion
	}
	return status.OK
}

func (m *Manager) liveObject(key keyspace.Key) (logio.Object, logio.Reference, bool, error) {
	ref, ok := m.hashes.Lookup(key)
	if !ok {
		return logio.Object{}, logio.Reference{}, false, nil
	}
	entry, found := m.log.Get(ref)
	if !found {
		return logio.Object{}, logio.Reference{}, false, status.New(status.InternalError, "hash index points at a missing log entry")
	}
	obj, err := entry.DecodeObject()
	if err != nil {
		return logio.Object{}, logio.Reference{}, false, status.Wrap(status.InternalError, err)
	}
	return obj, ref, true, nil
}

// ReadObject returns the live object for key, applying rejectRules first
// (spec.md section 4.2). It never blocks on durability.
func (m *Manager) ReadObject(key keyspace.Key, rr logio.RejectRules) (logio.Object, error) {
	obj, _, live, err := m.liveObject(key)
	if err != nil {
		return logio.Object{}, err
	}
	if code := checkRejectRules(rr, live, obj.Version); code != status.OK {
		return logio.Object{}, status.New(code, "reject rules failed for key")
	}
	if !live {
		return logio.Object{}, status.New(status.ObjectDoesntExist, "key not live")
	}
	m.tablets.RecordRead(key.TableID, key.Hash())
	return obj, nil
}

// WriteObject assigns a new version strictly greater than the live
// object's version and any prior tombstone's version, appends the object
// entry and (if the key was live) a tombstone for the displaced version,
// updates the hash index, and optionally bundles an RpcRecord atomically
// with the write (spec.md section 4.2). Does not sync.
func (m *Manager) WriteObject(obj logio.Object, rr logio.RejectRules, rpcRecord *logio.RPCRecord) (uint64, logio.Reference, error) {
	key := obj.PrimaryKey()
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	oldObj, oldRef, hadOld, err := m.liveObject(key)
	if err != nil {
		return 0, logio.Reference{}, err
	}
	if code := checkRejectRules(rr, hadOld, oldObj.Version); code != status.OK {
		return 0, logio.Reference{}, status.New(code, "reject rules failed for key")
	}

	base := oldObj.Version
	if tv := m.versions.get(key); tv > base {
		base = tv
	}
	obj.Version = base + 1

	ref, err := m.log.Append(logio.NewObjectEntry(obj))
	if err != nil {
		return 0, logio.Reference{}, err
	}
	if hadOld {
		tomb := logio.Tombstone{TableID: oldObj.TableID, PrimaryKey: key, Version: oldObj.Version, PriorSegmentID: oldRef.SegmentID}
		if _, err := m.log.Append(logio.NewTombstoneEntry(tomb)); err != nil {
			return 0, logio.Reference{}, err
		}
	}
	if rpcRecord != nil {
		if _, err := m.log.Append(logio.NewRPCRecordEntry(*rpcRecord)); err != nil {
			return 0, logio.Reference{}, err
		}
	}

	m.hashes.InsertOrReplace(key, ref)
	m.versions.setIfHigher(key, obj.Version)
	m.tablets.RecordWrite(obj.TableID, key.Hash(), len(obj.Value))
	return obj.Version, ref, nil
}

// RemoveObject appends a tombstone for key's live version and removes the
// hash index entry, returning the displaced object so the caller can
// maintain any secondary indexes over it (spec.md section 4.2).
func (m *Manager) RemoveObject(key keyspace.Key, rr logio.RejectRules) (logio.Object, error) {
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	oldObj, oldRef, hadOld, err := m.liveObject(key)
	if err != nil {
		return logio.Object{}, err
	}
	if code := checkRejectRules(rr, hadOld, oldObj.Version); code != status.OK {
		return logio.Object{}, status.New(code, "reject rules failed for key")
	}
	if !hadOld {
		return logio.Object{}, status.New(status.ObjectDoesntExist, "key not live")
	}

	tomb := logio.Tombstone{TableID: oldObj.TableID, PrimaryKey: key, Version: oldObj.Version, PriorSegmentID: oldRef.SegmentID}
	if _, err := m.log.Append(logio.NewTombstoneEntry(tomb)); err != nil {
		return logio.Object{}, err
	}
	m.hashes.Remove(key)
	m.versions.setIfHigher(key, oldObj.Version)
	return oldObj, nil
}

// ReadHashes bulk-reads a set of pre-hashed keys, skipping any that are
// not currently live (spec.md section 4.2). numHashes is len(keys);
// numObjects is the number of live objects actually returned.
func (m *Manager) ReadHashes(tableID uint64, keys []keyspace.Key) (objects []logio.Object, numHashes, numObjects int) {
	for _, k := range keys {
		if k.TableID != tableID {
			continue
		}
		obj, _, live, err := m.liveObject(k)
		if err != nil || !live {
			continue
		}
		objects = append(objects, obj)
	}
	return objects, len(keys), len(objects)
}

// Enumerate pages through a table's live objects in hash order (spec.md
// section 4.2's readHashes sibling operation for scanning a whole table
// rather than a caller-supplied key list). See hashindex.EnumeratePage for
// the paging contract.
func (m *Manager) Enumerate(tableID uint64, startHash uint64, limit int) (objects []logio.Object, nextHash uint64, done bool, err error) {
	_, refs, next, last := m.hashes.EnumeratePage(tableID, startHash, limit)
	for _, ref := range refs {
		entry, found := m.log.Get(ref)
		if !found {
			continue
		}
		obj, decErr := entry.DecodeObject()
		if decErr != nil {
			return nil, 0, false, status.Wrap(status.InternalError, decErr)
		}
		objects = append(objects, obj)
	}
	return objects, next, last, nil
}

// KeyPointsAtReference reports whether key's live hash-index entry still
// points at ref, the liveness check migration's shipping loop uses
// (spec.md section 4.2, 4.5).
func (m *Manager) KeyPointsAtReference(key keyspace.Key, ref logio.Reference) bool {
	return m.hashes.PointsAt(key, ref)
}

// RemoveOrphanedObjects purges hash-index entries for tablets this master
// no longer owns (spec.md section 4.2), used after a tablet is dropped,
// migrated away, or a recovery is rejected by the coordinator.
func (m *Manager) RemoveOrphanedObjects() int {
	return m.hashes.RemoveOrphanedObjects(m.tablets.Owns)
}

// PrepareOp stages a transactional operation: appends a PreparedOp entry
// (plus, atomically, its RpcRecord), and tries to acquire an in-memory
// lock on the op's primary key. isCommitVote is true only if rejectRules
// pass and no conflicting prepare already holds the key (spec.md section
// 4.2). The lock, once acquired for a commit vote, is held until
// CommitRead/CommitRemove/CommitWrite releases it.
func (m *Manager) PrepareOp(op logio.PreparedOp, rpcRecord *logio.RPCRecord) (logio.Reference, bool, error) {
	key := op.PrimaryKey()
	locked := m.locks.TryLock(key)
	isCommitVote := false
	if locked {
		oldObj, _, hadOld, err := m.liveObject(key)
		if err != nil {
			m.locks.Unlock(key)
			return logio.Reference{}, false, err
		}
		isCommitVote = checkRejectRules(op.RejectRules, hadOld, oldObj.Version) == status.OK
		if isCommitVote && op.Op == logio.OpWrite {
			base := oldObj.Version
			if tv := m.versions.get(key); tv > base {
				base = tv
			}
			op.Object.Version = base + 1
		}
		if !isCommitVote {
			m.locks.Unlock(key)
		}
	}

	opRef, err := m.log.Append(logio.NewPreparedOpEntry(op))
	if err != nil {
		if locked && isCommitVote {
			m.locks.Unlock(key)
		}
		return logio.Reference{}, false, err
	}
	if rpcRecord != nil {
		if _, err := m.log.Append(logio.NewRPCRecordEntry(*rpcRecord)); err != nil {
			if locked && isCommitVote {
				m.locks.Unlock(key)
			}
			return logio.Reference{}, false, err
		}
	}
	if locked && isCommitVote {
		m.prepared.BufferWrite(op.LeaseID, op.RPCID, opRef, key)
	}
	return opRef, isCommitVote, nil
}

// CommitRead finalizes a prepared read: there is nothing to apply, so
// this only releases the primary-key lock (spec.md section 4.2).
func (m *Manager) CommitRead(op logio.PreparedOp, opRef logio.Reference) error {
	m.locks.Unlock(op.PrimaryKey())
	return nil
}

// CommitRemove finalizes a prepared remove by appending a tombstone for
// the currently-live version and removing the hash-index entry, then
// releases the lock.
func (m *Manager) CommitRemove(op logio.PreparedOp, opRef logio.Reference) error {
	key := op.PrimaryKey()
	defer m.locks.Unlock(key)

	oldObj, oldRef, hadOld, err := m.liveObject(key)
	if err != nil {
		return err
	}
	if !hadOld {
		return nil
	}
	tomb := logio.Tombstone{TableID: oldObj.TableID, PrimaryKey: key, Version: oldObj.Version, PriorSegmentID: oldRef.SegmentID}
	if _, err := m.log.Append(logio.NewTombstoneEntry(tomb)); err != nil {
		return err
	}
	m.hashes.Remove(key)
	m.versions.setIfHigher(key, oldObj.Version)
	return nil
}

// CommitWrite finalizes a prepared write: the object staged in the
// PreparedOp entry (already versioned by PrepareOp) is appended as a real
// OBJECT entry, displacing any prior live version with a tombstone, then
// releases the lock.
func (m *Manager) CommitWrite(op logio.PreparedOp, opRef logio.Reference) error {
	key := op.PrimaryKey()
	defer m.locks.Unlock(key)

	oldObj, oldRef, hadOld, err := m.liveObject(key)
	if err != nil {
		return err
	}

	ref, err := m.log.Append(logio.NewObjectEntry(op.Object))
	if err != nil {
		return err
	}
	if hadOld {
		tomb := logio.Tombstone{TableID: oldObj.TableID, PrimaryKey: key, Version: oldObj.Version, PriorSegmentID: oldRef.SegmentID}
		if _, err := m.log.Append(logio.NewTombstoneEntry(tomb)); err != nil {
			return err
		}
	}
	m.hashes.InsertOrReplace(key, ref)
	m.versions.setIfHigher(key, op.Object.Version)
	m.tablets.RecordWrite(op.Object.TableID, key.Hash(), len(op.Object.Value))
	return nil
}

// TombstonePreparedOp appends a PREPAREDOPTOMB for the PreparedOp at ref,
// marking it decided so replay never re-buffers it into PreparedWrites.
// Without this, a committed or aborted PreparedOp entry survives in the
// log exactly as written, and replayPreparedOp cannot tell it apart from
// one still genuinely in flight (spec.md section 6).
func (m *Manager) TombstonePreparedOp(ref logio.Reference) error {
	_, err := m.log.Append(logio.NewPreparedOpTombstoneEntry(ref))
	return err
}

// ReplaySegment deterministically applies one segment's worth of entries
// from a segment iterator into sideLog, per the rules in spec.md section
// 4.2. It returns the highest INDEX_NODE nodeId seen per backing table,
// for the caller to fold into indexletManager.setNextNodeIdIfHigher.
func (m *Manager) ReplaySegment(sideLog *logio.SideLog, it logio.EntryWalker) (map[uint64]uint64, error) {
	nextNodeIDs := make(map[uint64]uint64)
	relocated := make(map[logio.Reference]logio.Reference) // source ref -> sideLog ref of replayed PreparedOps
	for !it.IsDone() {
		entry, ok := it.AppendToBuffer()
		if !ok {
			break
		}
		if !entry.Verify() {
			return nil, &status.SegmentIteratorError{SegmentID: it.GetReference().SegmentID, Cause: status.New(status.InternalError, "entry failed checksum verification")}
		}

		var err error
		switch entry.Type {
		case logio.EntryObject:
			err = m.replayObject(sideLog, entry)
		case logio.EntryTombstone:
			err = m.replayTombstone(sideLog, entry)
		case logio.EntryPreparedOp:
			err = m.replayPreparedOp(sideLog, entry, it.GetReference(), relocated)
		case logio.EntryPreparedOpTombstone:
			err = m.replayPreparedOpTombstone(sideLog, entry, relocated)
		case logio.EntryRPCRecord:
			err = m.replayRPCRecord(sideLog, entry)
		case logio.EntryTxDecision:
			err = m.replayTxDecision(sideLog, entry)
		case logio.EntryIndexNode:
			err = m.replayIndexNode(sideLog, entry, nextNodeIDs)
		default:
			err = status.New(status.InternalError, "replay: unrecognized entry type")
		}
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			break
		}
	}
	return nextNodeIDs, nil
}

func (m *Manager) replayObject(sideLog *logio.SideLog, entry logio.Entry) error {
	obj, err := entry.DecodeObject()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	key := obj.PrimaryKey()
	if obj.Version <= m.versions.get(key) {
		return nil
	}
	if existingObj, _, live, err := m.liveObjectIn(sideLog, key); err == nil && live && existingObj.Version >= obj.Version {
		return nil
	}
	ref, err := sideLog.Append(entry)
	if err != nil {
		return err
	}
	m.hashes.InsertOrReplace(key, ref)
	m.versions.setIfHigher(key, obj.Version)
	return nil
}

func (m *Manager) replayTombstone(sideLog *logio.SideLog, entry logio.Entry) error {
	tomb, err := entry.DecodeTombstone()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if tomb.Version < m.versions.get(tomb.PrimaryKey) {
		return nil
	}
	if _, err := sideLog.Append(entry); err != nil {
		return err
	}
	m.versions.setIfHigher(tomb.PrimaryKey, tomb.Version)
	if existingObj, _, live, err := m.liveObjectIn(sideLog, tomb.PrimaryKey); err == nil && live && existingObj.Version <= tomb.Version {
		m.hashes.Remove(tomb.PrimaryKey)
	}
	return nil
}

func (m *Manager) replayPreparedOp(sideLog *logio.SideLog, entry logio.Entry, srcRef logio.Reference, relocated map[logio.Reference]logio.Reference) error {
	op, err := entry.DecodePreparedOp()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	ref, err := sideLog.Append(entry)
	if err != nil {
		return err
	}
	relocated[srcRef] = ref
	m.prepared.BufferWrite(op.LeaseID, op.RPCID, ref, op.PrimaryKey())
	return nil
}

// replayPreparedOpTombstone resolves the PreparedOp a PREPAREDOPTOMB
// decided and pops it back out of PreparedWrites, undoing the BufferWrite
// replayPreparedOp did earlier in this same pass (log order guarantees
// the PreparedOp entry replays before its tombstone). Without this,
// regrabLocksAfterRecovery would reinstall a phantom lock for a
// transaction that already committed or aborted.
func (m *Manager) replayPreparedOpTombstone(sideLog *logio.SideLog, entry logio.Entry, relocated map[logio.Reference]logio.Reference) error {
	opRef, err := entry.DecodePreparedOpTombstone()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if sideRef, ok := relocated[opRef]; ok {
		opRef = sideRef
	}
	if _, err := sideLog.Append(entry); err != nil {
		return err
	}
	opEntry, found := sideLog.Get(opRef)
	if !found {
		opEntry, found = m.entryFromMainLog(opRef)
		if !found {
			return nil
		}
	}
	op, err := opEntry.DecodePreparedOp()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	m.prepared.PopOp(op.LeaseID, op.RPCID)
	return nil
}

func (m *Manager) replayRPCRecord(sideLog *logio.SideLog, entry logio.Entry) error {
	rec, err := entry.DecodeRPCRecord()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	ref, err := sideLog.Append(entry)
	if err != nil {
		return err
	}
	m.rpcs.RecordCompletion(rec.LeaseID, rec.RPCID, ref)
	return nil
}

func (m *Manager) replayTxDecision(sideLog *logio.SideLog, entry logio.Entry) error {
	dec, err := entry.DecodeTxDecision()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if _, err := sideLog.Append(entry); err != nil {
		return err
	}
	// A decision already durable means this transaction is no longer
	// abandoned from this master's point of view; drop any still-staged
	// op so a concurrent TxRecoveryManager pass doesn't re-decide it.
	m.prepared.PopOp(dec.LeaseID, dec.RPCID)
	return nil
}

func (m *Manager) replayIndexNode(sideLog *logio.SideLog, entry logio.Entry, nextNodeIDs map[uint64]uint64) error {
	node, err := entry.DecodeIndexNode()
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if _, err := sideLog.Append(entry); err != nil {
		return err
	}
	if node.NodeID > nextNodeIDs[node.BackingTableID] {
		nextNodeIDs[node.BackingTableID] = node.NodeID
	}
	return nil
}

// liveObjectIn mirrors liveObject but decodes the current hash-index
// target's entry from sideLog rather than the main log, since during
// replay the hash index may already point into sideLog's staged, not yet
// committed, segments.
func (m *Manager) liveObjectIn(sideLog *logio.SideLog, key keyspace.Key) (logio.Object, logio.Reference, bool, error) {
	ref, ok := m.hashes.Lookup(key)
	if !ok {
		return logio.Object{}, logio.Reference{}, false, nil
	}
	entry, found := sideLog.Get(ref)
	if !found {
		entry, found = m.entryFromMainLog(ref)
		if !found {
			return logio.Object{}, logio.Reference{}, false, status.New(status.InternalError, "hash index points at a missing entry during replay")
		}
	}
	obj, err := entry.DecodeObject()
	if err != nil {
		return logio.Object{}, logio.Reference{}, false, status.Wrap(status.InternalError, err)
	}
	return obj, ref, true, nil
}

func (m *Manager) entryFromMainLog(ref logio.Reference) (logio.Entry, bool) {
	return m.log.Get(ref)
}
