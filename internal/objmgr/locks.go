package objmgr

import (
	"sync"

	"github.com/chn0318/logmaster/internal/keyspace"
)

const lockStripes = 256

// keyLocks is the "fixed-width array of striped locks keyed by
// hash(tableId, primaryKey) mod N" spec.md section 9 calls for: it gives
// writeObject/removeObject/prepareOp the per-key serialization that makes
// "read current version / append / update hash index" atomic, without
// taking a global lock.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (kl *keyLocks) stripeFor(key keyspace.Key) *sync.Mutex {
	return &kl.stripes[key.Hash()%lockStripes]
}

// Lock implements txn.KeyLocker, letting PreparedWrites re-acquire a
// primary-key lock after a replay without importing this package.
func (kl *keyLocks) Lock(key keyspace.Key) {
	kl.stripeFor(key).Lock()
}

func (kl *keyLocks) Unlock(key keyspace.Key) {
	kl.stripeFor(key).Unlock()
}

// TryLock reports whether key's stripe was free and, if so, locks it.
// prepareOp uses this to detect "a conflicting prepare already holds the
// key" without blocking (spec.md section 4.2): a busy stripe votes abort
// immediately rather than waiting out an unrelated transaction.
func (kl *keyLocks) TryLock(key keyspace.Key) bool {
	return kl.stripeFor(key).TryLock()
}
