package replication

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests that don't want a live scalog
// cluster, mirroring the teacher's sharedlog/memorylog.MemoryLog role for
// sharedlog.SharedLog.
type Fake struct {
	mu       sync.Mutex
	segments map[uint64][]byte
	synced   map[uint64]bool
}

func NewFake() *Fake {
	return &Fake{segments: make(map[uint64][]byte), synced: make(map[uint64]bool)}
}

func (f *Fake) Replicate(ctx context.Context, segmentID uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[segmentID] = data
	f.synced[segmentID] = false
	return nil
}

func (f *Fake) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.segments {
		f.synced[id] = true
	}
	return nil
}

func (f *Fake) IsReplicaNeeded(segmentID uint64, backupID uint64) bool {
	return true
}

// Durable reports whether segmentID has been through Sync since its last
// Replicate, for tests that want to assert on durability timing.
func (f *Fake) Durable(segmentID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synced[segmentID]
}
