package objmgr

import (
	"bytes"
	"strconv"

	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/status"
)

// FillWithTestData bulk-loads numObjects synthetic objectSize-byte objects
// across every tablet on tableID that spans the whole hash range, keyed
// "0", "1", .... Grounded on MasterService::fillWithTestData in the
// original implementation; kept
// here as a bulk-load helper for tests, not a dispatcher opcode, since
// spec.md's Non-goals never mention it. A key that was already filled by
// a prior call is left alone rather than treated as an error, so the
// helper is safe to call more than once against the same manager.
func (m *Manager) FillWithTestData(tableID uint64, numObjects, objectSize int) error {
	var fullRangeTablets int
	for _, t := range m.tablets.GetTablets() {
		if t.TableID == tableID && t.FirstKeyHash == 0 && t.LastKeyHash == ^uint64(0) {
			fullRangeTablets++
		}
	}
	if fullRangeTablets == 0 {
		return status.New(status.ObjectDoesntExist, "fillWithTestData: table %d has no full-range tablet", tableID)
	}

	data := bytes.Repeat([]byte{0xcc}, objectSize)
	for i := 0; i < numObjects; i++ {
		key := keyspace.Key{TableID: tableID, Bytes: []byte(strconv.Itoa(i))}
		obj := logio.Object{TableID: tableID, Keys: []keyspace.Key{key}, Value: data}
		_, _, err := m.WriteObject(obj, logio.RejectRules{Exists: true}, nil)
		if err != nil && status.CodeOf(err) != status.ObjectExists {
			return err
		}
	}
	return nil
}
