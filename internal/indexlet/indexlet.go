// Package indexlet implements IndexletManager (spec.md section 4.3): the
// set of owned secondary-index key ranges, each backed physically by a
// regular table (the "backing table") whose objects are opaque INDEX_NODE
// log entries to everything but this package.
//
// The ordered per-indexlet key structure uses github.com/google/btree,
// grounded on gyuho-db's mvcc/01_tree_index.go (an ordered in-memory index
// over the same library) and influxdata-influxdb's direct go.mod
// dependency on the same package for ordered series-key lookups.
package indexlet

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/google/btree"
)

// State is an indexlet's lifecycle state (spec.md section 3).
type State int

const (
	Normal State = iota
	Recovering
)

// entry is one (indexKey -> primaryKey) mapping stored in the backing
// B-tree; index keys are not required to be unique, so primaryKey breaks
// ties and makes every entry distinct.
type entry struct {
	indexKey   []byte
	primaryKey keyspace.Key
}

func (e *entry) Less(than btree.Item) bool {
	o := than.(*entry)
	if c := bytes.Compare(e.indexKey, o.indexKey); c != 0 {
		return c < 0
	}
	return bytes.Compare(e.primaryKey.Bytes, o.primaryKey.Bytes) < 0
}

// Indexlet is a contiguous range [FirstKey, FirstNotOwnedKey) of a
// secondary index's key space (spec.md section 3). A nil
// FirstNotOwnedKey means "no upper bound".
type Indexlet struct {
	TableID          uint64
	IndexID          uint64
	FirstKey         []byte
	FirstNotOwnedKey []byte // exclusive; nil means unbounded
	BackingTableID   uint64
	State            State

	mu         sync.RWMutex
	tree       *btree.BTree
	nextNodeID uint64
}

func newIndexlet(tableID, indexID uint64, firstKey, firstNotOwnedKey []byte, backingTableID uint64, state State) *Indexlet {
	return &Indexlet{
		TableID:          tableID,
		IndexID:          indexID,
		FirstKey:         firstKey,
		FirstNotOwnedKey: firstNotOwnedKey,
		BackingTableID:   backingTableID,
		State:            state,
		tree:             btree.New(32),
	}
}

func (il *Indexlet) owns(indexKey []byte) bool {
	if bytes.Compare(indexKey, il.FirstKey) < 0 {
		return false
	}
	if il.FirstNotOwnedKey != nil && bytes.Compare(indexKey, il.FirstNotOwnedKey) >= 0 {
		return false
	}
	return true
}

func overlaps(a *Indexlet, firstKey, firstNotOwnedKey []byte) bool {
	if a.FirstNotOwnedKey != nil && bytes.Compare(firstKey, a.FirstNotOwnedKey) >= 0 {
		return false
	}
	if firstNotOwnedKey != nil && bytes.Compare(firstNotOwnedKey, a.FirstKey) <= 0 {
		return false
	}
	return true
}

// InsertEntry adds an (indexKey -> primaryKey) mapping. Requires indexKey
// to fall within this indexlet's owned range.
func (il *Indexlet) InsertEntry(indexKey []byte, primaryKey keyspace.Key) error {
	if !il.owns(indexKey) {
		return fmt.Errorf("indexlet: key %x not owned by indexlet [%x,%x)", indexKey, il.FirstKey, il.FirstNotOwnedKey)
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	il.tree.ReplaceOrInsert(&entry{indexKey: indexKey, primaryKey: primaryKey})
	return nil
}

// RemoveEntry deletes an (indexKey -> primaryKey) mapping.
func (il *Indexlet) RemoveEntry(indexKey []byte, primaryKey keyspace.Key) bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	removed := il.tree.Delete(&entry{indexKey: indexKey, primaryKey: primaryKey})
	return removed != nil
}

// LookupIndexKeys returns every primary key whose index entry falls in
// [firstIndexKey, lastIndexKey].
func (il *Indexlet) LookupIndexKeys(firstIndexKey, lastIndexKey []byte) []keyspace.Key {
	il.mu.RLock()
	defer il.mu.RUnlock()
	var out []keyspace.Key
	// AscendRange's upper bound is exclusive; widen by one byte so an
	// inclusive lastIndexKey is still visited.
	upper := append(append([]byte{}, lastIndexKey...), 0x00)
	il.tree.AscendRange(&entry{indexKey: firstIndexKey}, &entry{indexKey: upper}, func(i btree.Item) bool {
		out = append(out, i.(*entry).primaryKey)
		return true
	})
	return out
}

// IsGreaterOrEqual answers whether nodeKey sorts at or after splitKey,
// used by the migration engine to decide whether an index B-tree node
// belongs on the source or destination side of a split (spec.md section
// 4.5).
func (il *Indexlet) IsGreaterOrEqual(nodeKey, splitKey []byte) bool {
	return bytes.Compare(nodeKey, splitKey) >= 0
}

// Truncate removes every entry at or after splitKey, used by
// splitAndMigrateIndexlet after shipping the high half to a destination
// (spec.md section 4.5). It does not narrow the indexlet's owned range:
// FirstNotOwnedKey is unchanged, so InsertEntry still accepts keys at or
// after splitKey afterwards.
func (il *Indexlet) Truncate(splitKey []byte) {
	il.mu.Lock()
	defer il.mu.Unlock()
	var toDelete []*entry
	il.tree.AscendGreaterOrEqual(&entry{indexKey: splitKey}, func(i btree.Item) bool {
		toDelete = append(toDelete, i.(*entry))
		return true
	})
	for _, e := range toDelete {
		il.tree.Delete(e)
	}
}

// SetNextNodeIDIfHigher raises this indexlet's tracked high-water mark for
// backing-table node IDs seen during replay, never lowering it.
func (il *Indexlet) SetNextNodeIDIfHigher(nodeID uint64) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if nodeID > il.nextNodeID {
		il.nextNodeID = nodeID
	}
}

func (il *Indexlet) NextNodeID() uint64 {
	il.mu.RLock()
	defer il.mu.RUnlock()
	return il.nextNodeID
}

// Manager owns a set of indexlets, analogous to tablet.Manager but keyed
// by (tableId, indexId) ranges instead of key-hash ranges.
type Manager struct {
	mu        sync.RWMutex
	indexlets []*Indexlet
}

func NewManager() *Manager {
	return &Manager{}
}

// AddIndexlet installs a new indexlet, rejecting overlap with an existing
// indexlet on the same (tableId, indexId).
func (m *Manager) AddIndexlet(tableID, indexID uint64, firstKey, firstNotOwnedKey []byte, backingTableID uint64, state State) (*Indexlet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, il := range m.indexlets {
		if il.TableID == tableID && il.IndexID == indexID && overlaps(il, firstKey, firstNotOwnedKey) {
			return nil, fmt.Errorf("indexlet: range overlaps existing indexlet on table %d index %d", tableID, indexID)
		}
	}
	il := newIndexlet(tableID, indexID, firstKey, firstNotOwnedKey, backingTableID, state)
	m.indexlets = append(m.indexlets, il)
	return il, nil
}

// DeleteIndexlet removes the indexlet exactly matching (tableID, indexID, firstKey).
func (m *Manager) DeleteIndexlet(tableID, indexID uint64, firstKey []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, il := range m.indexlets {
		if il.TableID == tableID && il.IndexID == indexID && bytes.Equal(il.FirstKey, firstKey) {
			m.indexlets = append(m.indexlets[:i], m.indexlets[i+1:]...)
			return true
		}
	}
	return false
}

// Get finds the indexlet owning (tableID, indexID, indexKey).
func (m *Manager) Get(tableID, indexID uint64, indexKey []byte) (*Indexlet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, il := range m.indexlets {
		if il.TableID == tableID && il.IndexID == indexID && il.owns(indexKey) {
			return il, true
		}
	}
	return nil, false
}

// GetIndexlets returns every owned indexlet.
func (m *Manager) GetIndexlets() []*Indexlet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Indexlet, len(m.indexlets))
	copy(out, m.indexlets)
	return out
}

// ChangeState CASes an indexlet's state, mirroring tablet.Manager.ChangeState.
func (m *Manager) ChangeState(tableID, indexID uint64, firstKey []byte, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, il := range m.indexlets {
		if il.TableID != tableID || il.IndexID != indexID || !bytes.Equal(il.FirstKey, firstKey) {
			continue
		}
		if il.State != from {
			return fmt.Errorf("indexlet: state mismatch")
		}
		il.State = to
		return nil
	}
	return fmt.Errorf("indexlet: no matching indexlet")
}

// BackingTableIDs returns the distinct backing table ids of every owned
// indexlet, in the order the indexlets were added.
func (m *Manager) BackingTableIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uint64]bool)
	var out []uint64
	for _, il := range m.indexlets {
		if !seen[il.BackingTableID] {
			seen[il.BackingTableID] = true
			out = append(out, il.BackingTableID)
		}
	}
	return out
}
