// Package tablet implements TabletManager (spec.md section 4.3): the set
// of key-hash ranges this master owns within each table, and their
// lifecycle state.
package tablet

import (
	"fmt"
	"sync"
)

// State is a tablet's lifecycle state (spec.md section 3).
type State int

const (
	Normal State = iota
	Recovering
	LockedForMigration
	NotReady
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Recovering:
		return "RECOVERING"
	case LockedForMigration:
		return "LOCKED_FOR_MIGRATION"
	case NotReady:
		return "NOT_READY"
	default:
		return "UNKNOWN"
	}
}

// allowedTransitions encodes spec.md section 4.3's restriction: "NORMAL ↔
// LOCKED_FOR_MIGRATION, RECOVERING → NORMAL".
var allowedTransitions = map[State]map[State]bool{
	Normal:              {LockedForMigration: true},
	LockedForMigration:  {Normal: true},
	Recovering:          {Normal: true},
}

// Statistics are the per-tablet counters getStatistics reports.
type Statistics struct {
	NumObjects   uint64
	NumBytes     uint64
	ReadCount    uint64
	WriteCount   uint64
}

// Tablet is an owned, contiguous key-hash range within a table (spec.md
// section 3). Range bounds are inclusive on both ends.
type Tablet struct {
	TableID      uint64
	FirstKeyHash uint64
	LastKeyHash  uint64
	State        State
	Stats        Statistics
}

func (t *Tablet) contains(keyHash uint64) bool {
	return keyHash >= t.FirstKeyHash && keyHash <= t.LastKeyHash
}

func overlaps(a, b *Tablet) bool {
	return a.FirstKeyHash <= b.LastKeyHash && b.FirstKeyHash <= a.LastKeyHash
}

// Manager owns a set of pairwise-disjoint-per-table tablets (spec.md
// section 3 invariant: "Tablets on a master are pairwise disjoint per
// tableId").
type Manager struct {
	mu      sync.RWMutex
	tablets []*Tablet
}

func NewManager() *Manager {
	return &Manager{}
}

// AddTablet installs a new tablet, rejecting any range that overlaps an
// existing tablet for the same table.
func (m *Manager) AddTablet(tableID, firstKeyHash, lastKeyHash uint64, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate := &Tablet{TableID: tableID, FirstKeyHash: firstKeyHash, LastKeyHash: lastKeyHash, State: state}
	for _, t := range m.tablets {
		if t.TableID == tableID && overlaps(t, candidate) {
			return fmt.Errorf("tablet: range [%d,%d] overlaps existing tablet [%d,%d] on table %d",
				firstKeyHash, lastKeyHash, t.FirstKeyHash, t.LastKeyHash, tableID)
		}
	}
	m.tablets = append(m.tablets, candidate)
	return nil
}

// DeleteTablet removes the tablet exactly matching (tableID, firstKeyHash,
// lastKeyHash).
func (m *Manager) DeleteTablet(tableID, firstKeyHash, lastKeyHash uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tablets {
		if t.TableID == tableID && t.FirstKeyHash == firstKeyHash && t.LastKeyHash == lastKeyHash {
			m.tablets = append(m.tablets[:i], m.tablets[i+1:]...)
			return true
		}
	}
	return false
}

// GetTablet finds the tablet owning (tableID, keyHash), if any.
func (m *Manager) GetTablet(tableID, keyHash uint64) (*Tablet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tablets {
		if t.TableID == tableID && t.contains(keyHash) {
			return t, true
		}
	}
	return nil, false
}

// ChangeState performs an atomic compare-and-swap on a tablet's state,
// enforcing the restricted transition graph.
func (m *Manager) ChangeState(tableID, firstKeyHash, lastKeyHash uint64, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tablets {
		if t.TableID != tableID || t.FirstKeyHash != firstKeyHash || t.LastKeyHash != lastKeyHash {
			continue
		}
		if t.State != from {
			return fmt.Errorf("tablet: state is %s, not %s", t.State, from)
		}
		if !allowedTransitions[from][to] {
			return fmt.Errorf("tablet: transition %s -> %s is not allowed", from, to)
		}
		t.State = to
		return nil
	}
	return fmt.Errorf("tablet: no tablet [%d,%d] on table %d", firstKeyHash, lastKeyHash, tableID)
}

// SplitTablet divides a tablet at splitHash into two adjacent tablets
// inheriting the original's state.
func (m *Manager) SplitTablet(tableID, splitHash uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tablets {
		if t.TableID != tableID || !t.contains(splitHash) || splitHash == t.FirstKeyHash {
			continue
		}
		left := &Tablet{TableID: tableID, FirstKeyHash: t.FirstKeyHash, LastKeyHash: splitHash - 1, State: t.State}
		right := &Tablet{TableID: tableID, FirstKeyHash: splitHash, LastKeyHash: t.LastKeyHash, State: t.State}
		m.tablets[i] = left
		m.tablets = append(m.tablets, right)
		return nil
	}
	return fmt.Errorf("tablet: splitHash %d does not split a tablet on table %d", splitHash, tableID)
}

// GetTablets returns a snapshot of every owned tablet.
func (m *Manager) GetTablets() []Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tablet, len(m.tablets))
	for i, t := range m.tablets {
		out[i] = *t
	}
	return out
}

// GetStatistics returns the statistics for the tablet owning (tableID,
// keyHash), if any.
func (m *Manager) GetStatistics(tableID, keyHash uint64) (Statistics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tablets {
		if t.TableID == tableID && t.contains(keyHash) {
			return t.Stats, true
		}
	}
	return Statistics{}, false
}

// Owns reports whether (tableID, keyHash) falls within any tablet this
// manager currently owns, regardless of state. hashindex.RemoveOrphanedObjects
// uses exactly this shape of predicate.
func (m *Manager) Owns(tableID, keyHash uint64) bool {
	_, ok := m.GetTablet(tableID, keyHash)
	return ok
}

// RecordWrite/RecordRead update a tablet's statistics counters after a
// successful operation.
func (m *Manager) RecordWrite(tableID, keyHash uint64, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tablets {
		if t.TableID == tableID && t.contains(keyHash) {
			t.Stats.WriteCount++
			t.Stats.NumBytes += uint64(bytes)
			return
		}
	}
}

func (m *Manager) RecordRead(tableID, keyHash uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tablets {
		if t.TableID == tableID && t.contains(keyHash) {
			t.Stats.ReadCount++
			return
		}
	}
}
