package logio

import "github.com/chn0318/logmaster/internal/status"

// SideLog is a staging allocator: it collects entries into private
// segments without publishing them to the main log until Commit (spec.md
// section 4.1). Used by recovery and receiveMigrationData so a partial
// failure leaves no visible state — the caller simply drops the SideLog
// instead of calling Commit.
type SideLog struct {
	log      *Log
	capacity int

	segments []*Segment
	headIdx  int // index into segments of the current open segment
	committed bool
}

// NewSideLog allocates a fresh staging area against log. Nothing is
// visible in log until Commit runs.
func NewSideLog(log *Log) *SideLog {
	sl := &SideLog{log: log, capacity: log.capacity}
	sl.openNewSegment()
	return sl
}

func (sl *SideLog) openNewSegment() {
	id := sl.log.reserveSegmentID()
	sl.segments = append(sl.segments, NewSegment(id, sl.capacity))
	sl.headIdx = len(sl.segments) - 1
}

// Append stages entry into the side log's current segment, rolling over
// to a fresh private segment on overflow exactly like Log.Append.
func (sl *SideLog) Append(e Entry) (Reference, error) {
	if sl.committed {
		return Reference{}, status.New(status.InternalError, "append to a committed side log")
	}
	head := sl.segments[sl.headIdx]
	offset, ok := head.Append(e)
	if !ok {
		if head.Len() == 0 {
			return Reference{}, status.New(status.NoTableSpace, "entry too large for an empty segment")
		}
		head.Close()
		sl.openNewSegment()
		head = sl.segments[sl.headIdx]
		offset, ok = head.Append(e)
		if !ok {
			return Reference{}, status.New(status.NoTableSpace, "entry too large for a fresh segment")
		}
	}
	return Reference{SegmentID: head.ID, Offset: offset}, nil
}

// Get reads back an entry staged in this side log, used by replay logic
// that needs to cross-check what it just appended before commit.
func (sl *SideLog) Get(ref Reference) (Entry, bool) {
	for _, seg := range sl.segments {
		if seg.ID == ref.SegmentID {
			return seg.At(ref.Offset)
		}
	}
	return Entry{}, false
}

// Commit atomically splices the side log's segments into the main log's
// durability stream, making every staged reference live. This is the
// atomic commit point spec.md sections 4.1, 4.5, and 4.6 all rely on.
func (sl *SideLog) Commit() {
	if sl.committed {
		return
	}
	for _, seg := range sl.segments {
		if !seg.Closed() {
			seg.Close()
		}
	}
	sl.log.adopt(sl.segments)
	sl.committed = true
}

// Discard abandons every staged entry; used on any error path so the main
// log is left unchanged. It is a no-op beyond not calling Commit — staged
// segments were never visible to the log — but it exists so call sites
// can be explicit about the error-path intent instead of relying on a
// SideLog going out of scope silently.
func (sl *SideLog) Discard() {
	sl.committed = true
}
