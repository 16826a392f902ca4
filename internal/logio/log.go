package logio

import (
	"context"
	"sync"

	"github.com/chn0318/logmaster/internal/replication"
	"github.com/chn0318/logmaster/internal/status"
)

// Log is the append-only sequence of segments described in spec.md
// section 4.1. Appends land in an implicit head segment; closing a
// segment makes it immutable and eligible for replication.
//
// syncChanges is the only suspension point (spec.md section 5): it blocks
// on the replication.Client until every append issued so far is durable.
type Log struct {
	mu sync.Mutex

	segments      map[uint64]*Segment
	order         []uint64 // segment IDs in creation order
	headID        uint64
	nextSegmentID uint64
	capacity      int

	replicator  replication.Client
	pendingSync map[uint64]struct{}

	pinnedIterators int
}

func NewLog(capacity int, replicator replication.Client) *Log {
	l := &Log{
		segments:    make(map[uint64]*Segment),
		capacity:    capacity,
		replicator:  replicator,
		pendingSync: make(map[uint64]struct{}),
	}
	l.openNewHeadLocked()
	return l
}

func (l *Log) openNewHeadLocked() {
	l.nextSegmentID++
	id := l.nextSegmentID
	l.segments[id] = NewSegment(id, l.capacity)
	l.order = append(l.order, id)
	l.headID = id
}

// Append places entry into the current head segment, rolling over to a
// fresh segment first if it doesn't fit. Returns status.NoTableSpace if
// the entry cannot fit even in an empty segment — a fatal internal error
// per spec.md section 4.5 ("An entry larger than an empty segment is a
// fatal internal error").
func (l *Log) Append(e Entry) (Reference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

func (l *Log) appendLocked(e Entry) (Reference, error) {
	head := l.segments[l.headID]
	offset, ok := head.Append(e)
	if !ok {
		if head.Len() == 0 {
			return Reference{}, status.New(status.NoTableSpace, "entry too large for an empty segment")
		}
		l.rollHeadOverLocked()
		head = l.segments[l.headID]
		offset, ok = head.Append(e)
		if !ok {
			return Reference{}, status.New(status.NoTableSpace, "entry too large for a fresh segment")
		}
	}
	l.pendingSync[head.ID] = struct{}{}
	return Reference{SegmentID: head.ID, Offset: offset}, nil
}

// RollHeadOver forces the current head closed and opens a fresh one,
// returning the boundary position (spec.md section 4.1). Append calls the
// same rollover internally when the head is full.
func (l *Log) RollHeadOver() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollHeadOverLocked()
}

func (l *Log) rollHeadOverLocked() Position {
	closed := l.segments[l.headID]
	closed.Close()
	boundary := Position{SegmentID: closed.ID, Offset: uint32(closed.Len())}
	l.openNewHeadLocked()
	return boundary
}

// Head returns the position the next Append would land at.
func (l *Log) Head() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.segments[l.headID]
	return Position{SegmentID: head.ID, Offset: uint32(head.Len())}
}

// Get returns the entry at a previously returned Reference.
func (l *Log) Get(ref Reference) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seg, ok := l.segments[ref.SegmentID]
	if !ok {
		return Entry{}, false
	}
	return seg.At(ref.Offset)
}

// SyncChanges blocks until every append issued so far is durable on the
// configured number of replicas (spec.md section 4.1). It is the one
// suspension point mutating handlers take (spec.md section 5).
func (l *Log) SyncChanges(ctx context.Context) error {
	l.mu.Lock()
	pending := make([]uint64, 0, len(l.pendingSync))
	for id := range l.pendingSync {
		pending = append(pending, id)
	}
	l.pendingSync = make(map[uint64]struct{})
	segments := make(map[uint64]*Segment, len(pending))
	for _, id := range pending {
		segments[id] = l.segments[id]
	}
	l.mu.Unlock()

	if l.replicator == nil {
		return nil
	}
	for _, id := range pending {
		data, err := segments[id].Bytes()
		if err != nil {
			return status.Wrap(status.InternalError, err)
		}
		if err := l.replicator.Replicate(ctx, id, data); err != nil {
			return status.Wrap(status.Retry, err)
		}
	}
	if err := l.replicator.Sync(ctx); err != nil {
		return status.Wrap(status.Retry, err)
	}
	return nil
}

// pinIterator/unpinIterator bound how aggressively a future cleaner could
// reclaim entries: spec.md section 4.1 says "entries before the iterator
// may not be reclaimed" while one is alive. The log cleaner is out of
// scope (spec.md section 1), so these exist to make the invariant visible
// and testable, not to drive real reclamation.
func (l *Log) pinIterator() {
	l.mu.Lock()
	l.pinnedIterators++
	l.mu.Unlock()
}

func (l *Log) unpinIterator() {
	l.mu.Lock()
	l.pinnedIterators--
	l.mu.Unlock()
}

// PinnedIterators reports how many live iterators currently pin the log's
// reclaimable prefix.
func (l *Log) PinnedIterators() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pinnedIterators
}

// segmentIDsFrom returns the ordered segment IDs at-or-after a given ID,
// snapshotted at call time, for iterator construction/refresh.
func (l *Log) segmentIDsFrom(fromID uint64) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, 0, len(l.order))
	for _, id := range l.order {
		if id >= fromID {
			out = append(out, id)
		}
	}
	return out
}

func (l *Log) segment(id uint64) *Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[id]
}

// adopt installs a set of already-built segments (with IDs reserved ahead
// of time by NewSideLog) into the log's structures and marks them pending
// replication. Used by SideLog.Commit.
func (l *Log) adopt(segments []*Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range segments {
		l.segments[seg.ID] = seg
		l.order = append(l.order, seg.ID)
		l.pendingSync[seg.ID] = struct{}{}
	}
	// Keep order sorted by ID since side-log segment IDs are reserved
	// ahead of the main log's own counter advancing past them.
	sortUint64SegmentOrder(l.order, l.segments)
}

func sortUint64SegmentOrder(order []uint64, segments map[uint64]*Segment) {
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && order[j-1] > order[j] {
			order[j-1], order[j] = order[j], order[j-1]
			j--
		}
	}
	_ = segments
}

// reserveSegmentID hands out the next segment ID for a SideLog to stage
// into, without it becoming visible in l.order until adopt runs.
func (l *Log) reserveSegmentID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSegmentID++
	return l.nextSegmentID
}
