package logio

// EntryWalker is the minimal shape objmgr.ReplaySegment needs to walk a
// sequence of entries, satisfied by both the live log's *Iterator (used
// when replaying entries freshly fetched into a segment that's already
// part of this log) and *SegmentIterator (used when replaying a segment
// image received over the wire from a migration shipment or a recovered
// backup replica).
type EntryWalker interface {
	IsDone() bool
	AppendToBuffer() (Entry, bool)
	GetReference() Reference
	Next() bool
}

// SegmentIterator walks a flat slice of entries decoded from one fetched
// segment image (spec.md section 4.2's "segmentIterator" argument to
// replaySegment). It does not check entry checksums itself;
// objmgr.ReplaySegment verifies each entry it is handed.
type SegmentIterator struct {
	segmentID uint64
	entries   []Entry
	offset    int
}

// NewSegmentIterator wraps entries decoded via DecodeSegmentEntries,
// addressed as if they lived at segmentID (the source's segment ID,
// preserved across the wire so references stay meaningful after commit).
func NewSegmentIterator(segmentID uint64, entries []Entry) *SegmentIterator {
	return &SegmentIterator{segmentID: segmentID, entries: entries}
}

func (it *SegmentIterator) IsDone() bool { return it.offset >= len(it.entries) }

func (it *SegmentIterator) AppendToBuffer() (Entry, bool) {
	if it.IsDone() {
		return Entry{}, false
	}
	return it.entries[it.offset], true
}

func (it *SegmentIterator) GetReference() Reference {
	return Reference{SegmentID: it.segmentID, Offset: uint32(it.offset)}
}

func (it *SegmentIterator) Next() bool {
	if it.IsDone() {
		return false
	}
	it.offset++
	return !it.IsDone()
}
