// Package hashindex implements the HashIndex component (spec.md section
// 4.2): a map from (tableId, keyHash, key) to the log Reference holding
// the latest version of that key. Collisions (two keys hashing to the
// same bucket) are resolved by direct key comparison within the bucket.
//
// Mutation is striped by key hash (spec.md section 9: "a fixed-width
// array of striped locks keyed by hash(tableId, primaryKey) mod N"), the
// same shared-resource policy spec.md section 5 calls for.
package hashindex

import (
	"sort"
	"sync"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
)

const defaultStripes = 256

type bucketID struct {
	TableID uint64
	KeyHash uint64
}

type slot struct {
	key keyspace.Key
	ref logio.Reference
}

type stripe struct {
	mu      sync.RWMutex
	buckets map[bucketID][]slot
}

// HashIndex is safe for concurrent use.
type HashIndex struct {
	stripes []*stripe
}

func New() *HashIndex {
	return NewWithStripes(defaultStripes)
}

func NewWithStripes(n int) *HashIndex {
	if n <= 0 {
		n = 1
	}
	h := &HashIndex{stripes: make([]*stripe, n)}
	for i := range h.stripes {
		h.stripes[i] = &stripe{buckets: make(map[bucketID][]slot)}
	}
	return h
}

func (h *HashIndex) stripeFor(b bucketID) *stripe {
	return h.stripes[b.KeyHash%uint64(len(h.stripes))]
}

// Lookup returns the live reference for key, if any.
func (h *HashIndex) Lookup(key keyspace.Key) (logio.Reference, bool) {
	b := bucketID{TableID: key.TableID, KeyHash: key.Hash()}
	st := h.stripeFor(b)
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.buckets[b] {
		if s.key.Equal(key) {
			return s.ref, true
		}
	}
	return logio.Reference{}, false
}

// InsertOrReplace installs ref as key's live reference, returning the
// reference it displaced (if any). This is the atomic point
// objectManager.writeObject relies on to serialize "read current
// version / append / update hash index" for a single key (spec.md
// section 5).
func (h *HashIndex) InsertOrReplace(key keyspace.Key, ref logio.Reference) (old logio.Reference, hadOld bool) {
	b := bucketID{TableID: key.TableID, KeyHash: key.Hash()}
	st := h.stripeFor(b)
	st.mu.Lock()
	defer st.mu.Unlock()
	bucket := st.buckets[b]
	for i, s := range bucket {
		if s.key.Equal(key) {
			old, hadOld = s.ref, true
			bucket[i].ref = ref
			return old, hadOld
		}
	}
	st.buckets[b] = append(bucket, slot{key: key, ref: ref})
	return logio.Reference{}, false
}

// Remove deletes key's entry, if present.
func (h *HashIndex) Remove(key keyspace.Key) bool {
	b := bucketID{TableID: key.TableID, KeyHash: key.Hash()}
	st := h.stripeFor(b)
	st.mu.Lock()
	defer st.mu.Unlock()
	bucket := st.buckets[b]
	for i, s := range bucket {
		if s.key.Equal(key) {
			st.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// PointsAt reports whether key's live entry currently points at ref,
// used by migration's keyPointsAtReference liveness check.
func (h *HashIndex) PointsAt(key keyspace.Key, ref logio.Reference) bool {
	got, ok := h.Lookup(key)
	return ok && got == ref
}

// Owner decides whether a (tableId, keyHash) pair is still owned by this
// master; RemoveOrphanedObjects uses it to evict entries for tablets that
// have been dropped or migrated away, without hashindex importing the
// tablet package.
type Owner func(tableID uint64, keyHash uint64) bool

// RemoveOrphanedObjects purges every entry whose key-hash falls outside
// any currently-owned tablet (spec.md section 4.2). Returns the number of
// entries removed.
func (h *HashIndex) RemoveOrphanedObjects(owns Owner) int {
	removed := 0
	for _, st := range h.stripes {
		st.mu.Lock()
		for b, bucket := range st.buckets {
			if owns(b.TableID, b.KeyHash) {
				continue
			}
			removed += len(bucket)
			delete(st.buckets, b)
		}
		st.mu.Unlock()
	}
	return removed
}

// EnumeratePage lists up to limit live entries of tableID with KeyHash >=
// startHash, ordered by (KeyHash, key bytes) for a stable paging order
// across calls even as concurrent writes land. nextHash is the hash to
// pass as startHash on the following call; done is true once no entry
// with a higher hash remains.
func (h *HashIndex) EnumeratePage(tableID uint64, startHash uint64, limit int) (keys []keyspace.Key, refs []logio.Reference, nextHash uint64, done bool) {
	type found struct {
		key keyspace.Key
		ref logio.Reference
	}
	var all []found
	for _, st := range h.stripes {
		st.mu.RLock()
		for b, bucket := range st.buckets {
			if b.TableID != tableID || b.KeyHash < startHash {
				continue
			}
			for _, s := range bucket {
				all = append(all, found{key: s.key, ref: s.ref})
			}
		}
		st.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool {
		hi, hj := all[i].key.Hash(), all[j].key.Hash()
		if hi != hj {
			return hi < hj
		}
		return string(all[i].key.Bytes) < string(all[j].key.Bytes)
	})

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	for _, f := range all[:limit] {
		keys = append(keys, f.key)
		refs = append(refs, f.ref)
	}
	if limit == len(all) {
		return keys, refs, 0, true
	}
	return keys, refs, all[limit].key.Hash(), false
}

// Len returns the total number of live entries, for tests and stats.
func (h *HashIndex) Len() int {
	n := 0
	for _, st := range h.stripes {
		st.mu.RLock()
		for _, bucket := range st.buckets {
			n += len(bucket)
		}
		st.mu.RUnlock()
	}
	return n
}
