package objmgr

import (
	"sync"

	"github.com/chn0318/logmaster/internal/keyspace"
)

// versionTable tracks the highest version ever observed for a key,
// including versions that only ever appeared in a tombstone. writeObject
// needs this: spec.md section 4.2 requires a new version strictly greater
// than both the live object's version and any prior tombstone's version,
// so a delete-then-rewrite never reuses a version number. Bucketed by key
// hash with in-bucket linear scan, the same collision-resolution idiom
// internal/hashindex uses for the same reason (a Key is not map-key
// comparable because it embeds a []byte).
type versionTable struct {
	mu sync.RWMutex
	m  map[uint64][]verSlot
}

type verSlot struct {
	key keyspace.Key
	ver uint64
}

func newVersionTable() *versionTable {
	return &versionTable{m: make(map[uint64][]verSlot)}
}

func (vt *versionTable) get(key keyspace.Key) uint64 {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	for _, s := range vt.m[key.Hash()] {
		if s.key.Equal(key) {
			return s.ver
		}
	}
	return 0
}

func (vt *versionTable) setIfHigher(key keyspace.Key, ver uint64) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	h := key.Hash()
	bucket := vt.m[h]
	for i, s := range bucket {
		if s.key.Equal(key) {
			if ver > s.ver {
				bucket[i].ver = ver
			}
			return
		}
	}
	vt.m[h] = append(bucket, verSlot{key: key, ver: ver})
}
