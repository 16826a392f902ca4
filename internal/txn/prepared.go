// Package txn implements PreparedWrites (spec.md section 4.4, C8) and
// TxRecoveryManager (spec.md section 4.4, C9): the in-memory table of
// staged transactional operations and the driver that completes
// abandoned transactions.
package txn

import (
	"sync"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
)

// OpKey identifies a staged PreparedOp by the (leaseId, rpcId) that
// created it.
type OpKey struct {
	LeaseID uint64
	RPCID   uint64
}

// StagedOp is what PreparedWrites remembers about one prepared operation:
// where its PreparedOp log entry lives, and which primary key it holds a
// lock on (so recovery can re-acquire that lock without re-reading the
// log).
type StagedOp struct {
	Ref logio.Reference
	Key keyspace.Key
}

// PreparedWrites maps (leaseId, rpcId) -> the staged operation's log
// reference (spec.md section 4.4).
type PreparedWrites struct {
	mu  sync.Mutex
	ops map[OpKey]StagedOp
}

func NewPreparedWrites() *PreparedWrites {
	return &PreparedWrites{ops: make(map[OpKey]StagedOp)}
}

// BufferWrite registers a newly staged PreparedOp.
func (p *PreparedWrites) BufferWrite(leaseID, rpcID uint64, ref logio.Reference, key keyspace.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[OpKey{LeaseID: leaseID, RPCID: rpcID}] = StagedOp{Ref: ref, Key: key}
}

// PeekOp returns the staged operation for (leaseId, rpcId) without
// removing it.
func (p *PreparedWrites) PeekOp(leaseID, rpcID uint64) (StagedOp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[OpKey{LeaseID: leaseID, RPCID: rpcID}]
	return op, ok
}

// PopOp removes and returns the staged operation for (leaseId, rpcId),
// called once txDecision has finalized it.
func (p *PreparedWrites) PopOp(leaseID, rpcID uint64) (StagedOp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := OpKey{LeaseID: leaseID, RPCID: rpcID}
	op, ok := p.ops[key]
	if ok {
		delete(p.ops, key)
	}
	return op, ok
}

// KeyLocker is the narrow slice of objmgr's per-key locking this package
// needs, kept as a local interface so txn does not import objmgr (objmgr
// imports txn, not the reverse).
type KeyLocker interface {
	Lock(key keyspace.Key)
}

// RegrabLocksAfterRecovery re-installs the in-memory per-key lock for
// every still-staged op, called by recovery once its replay has
// repopulated PreparedWrites from replayed PREPAREDOP entries (spec.md
// section 4.4).
func (p *PreparedWrites) RegrabLocksAfterRecovery(locker KeyLocker) {
	p.mu.Lock()
	ops := make([]StagedOp, 0, len(p.ops))
	for _, op := range p.ops {
		ops = append(ops, op)
	}
	p.mu.Unlock()

	for _, op := range ops {
		locker.Lock(op.Key)
	}
}

// Len reports how many operations are currently staged, for tests.
func (p *PreparedWrites) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}
