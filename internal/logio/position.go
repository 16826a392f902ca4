package logio

import "fmt"

// Position is a totally ordered (segmentId, segmentOffset) pair (spec.md
// section 3, "Log position").
type Position struct {
	SegmentID uint64
	Offset    uint32
}

// Less orders positions by segment then offset.
func (p Position) Less(other Position) bool {
	if p.SegmentID != other.SegmentID {
		return p.SegmentID < other.SegmentID
	}
	return p.Offset < other.Offset
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.SegmentID, p.Offset)
}

// Reference is the stable pointer an Append returns (spec.md section 3,
// "Reference"). It is positional: the (segment, offset) of the entry.
type Reference = Position
