// Package dedup implements UnackedRpcResults (spec.md section 4.4): the
// per-lease table of completed-RPC results that gives every linearizable
// handler at-most-once semantics.
package dedup

import (
	"sort"
	"sync"

	"github.com/chn0318/logmaster/internal/logio"
)

type leaseState struct {
	mu           sync.Mutex
	firstUnacked uint64
	leaseTerm    uint64
	results      map[uint64]logio.Reference
}

// UnackedRpcResults is safe for concurrent use.
type UnackedRpcResults struct {
	mu     sync.RWMutex
	leases map[uint64]*leaseState
}

func New() *UnackedRpcResults {
	return &UnackedRpcResults{leases: make(map[uint64]*leaseState)}
}

func (u *UnackedRpcResults) leaseFor(leaseID uint64) *leaseState {
	u.mu.RLock()
	ls, ok := u.leases[leaseID]
	u.mu.RUnlock()
	if ok {
		return ls
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if ls, ok := u.leases[leaseID]; ok {
		return ls
	}
	ls = &leaseState{results: make(map[uint64]logio.Reference)}
	u.leases[leaseID] = ls
	return ls
}

// CheckDuplicate advances the lease's firstUnacked watermark to ackId+1,
// discarding entries below it, then reports whether rpcId already has a
// recorded completion (spec.md section 4.4).
func (u *UnackedRpcResults) CheckDuplicate(leaseID, rpcID, ackID, leaseTerm uint64) (logio.Reference, bool) {
	ls := u.leaseFor(leaseID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.leaseTerm = leaseTerm
	if ackID+1 > ls.firstUnacked {
		ls.firstUnacked = ackID + 1
		for id := range ls.results {
			if id < ls.firstUnacked {
				delete(ls.results, id)
			}
		}
	}
	ref, ok := ls.results[rpcID]
	return ref, ok
}

// RecordCompletion stores resultLoc as the canonical outcome for
// (leaseID, rpcID). It is an invariant violation to call this twice for
// the same (leaseID, rpcID) with a different location, but this method
// does not itself re-validate that — callers only reach it once per
// successful linearizable RPC (spec.md section 3).
func (u *UnackedRpcResults) RecordCompletion(leaseID, rpcID uint64, resultLoc logio.Reference) {
	ls := u.leaseFor(leaseID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if rpcID < ls.firstUnacked {
		return
	}
	ls.results[rpcID] = resultLoc
}

// expired reports whether a lease's stored term is expired relative
// to currentClusterTime.
func (ls *leaseState) expired(currentClusterTime uint64) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.leaseTerm != 0 && ls.leaseTerm < currentClusterTime
}

// CleanExpired removes every lease whose term has expired relative to
// currentClusterTime. Locks are acquired in lease-id order (spec.md
// section 5) so a concurrent CleanExpired call (there is at most one
// background cleaner, but tests may drive this directly) can't deadlock
// against per-lease locks taken elsewhere in a different order.
func (u *UnackedRpcResults) CleanExpired(currentClusterTime uint64) int {
	u.mu.RLock()
	ids := make([]uint64, 0, len(u.leases))
	for id := range u.leases {
		ids = append(ids, id)
	}
	u.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	removed := 0
	for _, id := range ids {
		u.mu.RLock()
		ls, ok := u.leases[id]
		u.mu.RUnlock()
		if !ok {
			continue
		}
		if ls.expired(currentClusterTime) {
			u.mu.Lock()
			delete(u.leases, id)
			u.mu.Unlock()
			removed++
		}
	}
	return removed
}

// LeaseCount reports how many leases currently have tracked state, for
// tests and stats.
func (u *UnackedRpcResults) LeaseCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.leases)
}
