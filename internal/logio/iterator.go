package logio

// Iterator walks log entries oldest-first (spec.md section 4.1). While
// alive it pins the log's reclaimable prefix; Refresh re-snapshots the
// current head position so a long-lived iterator (migration phase 1) can
// keep walking as new entries are appended.
type Iterator struct {
	log *Log

	segmentIDs []uint64 // snapshot of segments from the start position to head, inclusive
	segIdx     int
	offset     uint32

	headSnapshot Position
	start        Position
	done         bool
}

// NewIterator returns an iterator starting at from (inclusive) and
// snapshotted up to the log's current head.
func (l *Log) NewIterator(from Position) *Iterator {
	l.pinIterator()
	it := &Iterator{log: l, start: from}
	it.Refresh()
	return it
}

// Close releases the iterator's pin on the log's reclaimable prefix.
// Callers should always Close an iterator once done with it; migration
// does so via defer.
func (it *Iterator) Close() {
	it.log.unpinIterator()
}

// Refresh re-snapshots the current head position and extends the
// iterator's segment list to cover any segments appended since
// construction (spec.md section 4.1: "refresh re-snapshots the current
// head position").
func (it *Iterator) Refresh() {
	it.headSnapshot = it.log.Head()
	fromID := it.start.SegmentID
	if len(it.segmentIDs) > 0 {
		fromID = it.segmentIDs[len(it.segmentIDs)-1]
	}
	newIDs := it.log.segmentIDsFrom(fromID)
	if len(it.segmentIDs) == 0 {
		it.segmentIDs = newIDs
		it.offset = it.start.Offset
	} else if len(newIDs) > 0 && newIDs[0] == fromID {
		it.segmentIDs = append(it.segmentIDs[:len(it.segmentIDs)-1:len(it.segmentIDs)-1], newIDs...)
	}
	it.done = false
	it.advancePastEnd()
}

// advancePastEnd marks the iterator done if it has walked past every
// currently-known entry.
func (it *Iterator) advancePastEnd() {
	for it.segIdx < len(it.segmentIDs) {
		seg := it.log.segment(it.segmentIDs[it.segIdx])
		if seg == nil {
			it.segIdx++
			it.offset = 0
			continue
		}
		if int(it.offset) < seg.Len() {
			return
		}
		if it.OnHead() {
			return
		}
		it.segIdx++
		it.offset = 0
	}
	it.done = true
}

// IsDone reports whether the iterator has no more entries to yield.
func (it *Iterator) IsDone() bool {
	return it.done || it.segIdx >= len(it.segmentIDs)
}

// OnHead reports whether the iterator's current position is the log's
// head (no further segments exist yet).
func (it *Iterator) OnHead() bool {
	if it.segIdx >= len(it.segmentIDs) {
		return true
	}
	pos := Position{SegmentID: it.segmentIDs[it.segIdx], Offset: it.offset}
	return !pos.Less(it.headSnapshot)
}

func (it *Iterator) current() (Entry, bool) {
	if it.IsDone() {
		return Entry{}, false
	}
	seg := it.log.segment(it.segmentIDs[it.segIdx])
	if seg == nil {
		return Entry{}, false
	}
	return seg.At(it.offset)
}

// GetType returns the current entry's type.
func (it *Iterator) GetType() EntryType {
	e, _ := it.current()
	return e.Type
}

// AppendToBuffer returns the current entry still encoded, with ok false
// when there is no entry at the current position; callers decode it with
// the Entry method matching GetType (e.g. DecodeObject, DecodeTombstone).
func (it *Iterator) AppendToBuffer() (Entry, bool) {
	return it.current()
}

// GetReference returns the current entry's stable log reference.
func (it *Iterator) GetReference() Reference {
	return Reference{SegmentID: it.segmentIDs[it.segIdx], Offset: it.offset}
}

// GetPosition is an alias for GetReference: both are (segmentId, offset).
func (it *Iterator) GetPosition() Position {
	return it.GetReference()
}

// Next advances the iterator past the current entry. Returns false once
// IsDone() becomes true. On the head segment the iterator is never marked
// done: it stays parked at the head's end, Next keeps returning true and
// AppendToBuffer returns ok == false until a Refresh picks up new entries.
func (it *Iterator) Next() bool {
	if it.IsDone() {
		return false
	}
	it.offset++
	it.advancePastEnd()
	return !it.IsDone()
}
