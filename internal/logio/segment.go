package logio

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"
)

// Certificate is the trailer a closed segment carries: a checksum over its
// entries plus the offset of the last valid entry (spec.md section 6).
// Close computes it; no iterator in this package reads it back.
type Certificate struct {
	Checksum        uint32
	LastValidOffset uint32
}

// Segment is a fixed-size unit of the append-only log. While open
// (!closed) it accepts appends from its owning Log or SideLog; once
// closed it is immutable and eligible for replication/iteration.
type Segment struct {
	ID       uint64
	Capacity int

	entries []Entry
	size    int
	closed  bool
}

func NewSegment(id uint64, capacity int) *Segment {
	return &Segment{ID: id, Capacity: capacity}
}

func entrySize(e Entry) int {
	return len(e.Payload) + 5 // type tag + checksum, rough fixed overhead
}

// Append places entry at the next offset iff it still fits and the
// segment isn't closed. offset is the entry's index within the segment,
// which is what Position.Offset addresses.
func (s *Segment) Append(e Entry) (offset uint32, ok bool) {
	if s.closed {
		return 0, false
	}
	sz := entrySize(e)
	if s.size+sz > s.Capacity {
		return 0, false
	}
	offset = uint32(len(s.entries))
	s.entries = append(s.entries, e)
	s.size += sz
	return offset, true
}

// Fits reports whether entry could be appended without closing the
// segment first, i.e. whether this segment has any hope of holding it.
func (s *Segment) Fits(e Entry) bool {
	return !s.closed && s.size+entrySize(e) <= s.Capacity
}

// Close seals the segment and computes its certificate.
func (s *Segment) Close() Certificate {
	s.closed = true
	return s.Certificate()
}

func (s *Segment) Closed() bool { return s.closed }

func (s *Segment) Certificate() Certificate {
	h := crc32.NewIEEE()
	for _, e := range s.entries {
		h.Write([]byte{byte(e.Type)})
		h.Write(e.Payload)
	}
	last := uint32(0)
	if n := len(s.entries); n > 0 {
		last = uint32(n - 1)
	}
	return Certificate{Checksum: h.Sum32(), LastValidOffset: last}
}

func (s *Segment) Len() int { return len(s.entries) }

func (s *Segment) At(offset uint32) (Entry, bool) {
	if int(offset) >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[offset], true
}

// Bytes serializes every entry in the segment for shipment to a backup
// replica or a migration/recovery peer. The teacher's scalog client
// serializes records with encoding/json before handing them to the
// external log; here the payload is a sequence of gob-encoded Entry
// envelopes, since this is an internal wire format between masters and
// their own backups rather than a public API.
func (s *Segment) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(s.entries); err != nil {
		return nil, fmt.Errorf("logio: encode segment %d: %w", s.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeSegmentEntries reverses Segment.Bytes for a replica fetched from a
// backup.
func DecodeSegmentEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("logio: decode segment: %w", err)
	}
	return entries, nil
}
