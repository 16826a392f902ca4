package logio

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"

	"github.com/chn0318/logmaster/internal/keyspace"
)

// EntryType tags the polymorphic log entry variants named in spec.md
// section 6 ("Recognized types relevant to the core").
type EntryType uint8

const (
	EntryObject EntryType = iota + 1
	EntryTombstone
	EntryPreparedOp
	EntryPreparedOpTombstone
	EntryRPCRecord
	EntryTxDecision
	EntryIndexNode
)

func (t EntryType) String() string {
	switch t {
	case EntryObject:
		return "OBJECT"
	case EntryTombstone:
		return "OBJTOMB"
	case EntryPreparedOp:
		return "PREPAREDOP"
	case EntryPreparedOpTombstone:
		return "PREPAREDOPTOMB"
	case EntryRPCRecord:
		return "RPCRECORD"
	case EntryTxDecision:
		return "TXDECISION"
	case EntryIndexNode:
		return "INDEX_NODE"
	default:
		return "UNKNOWN"
	}
}

// OpType distinguishes the three kinds of transactional operation a
// PreparedOp may stage (spec.md section 3).
type OpType uint8

const (
	OpRead OpType = iota
	OpRemove
	OpWrite
)

// Object is the typed payload of an EntryObject log entry.
type Object struct {
	TableID   uint64
	Keys      []keyspace.Key
	Value     []byte
	Version   uint64
	Timestamp uint64
}

// PrimaryKey returns the object's primary (index-0) key.
func (o *Object) PrimaryKey() keyspace.Key { return o.Keys[0] }

// Tombstone is the typed payload of an EntryTombstone log entry.
type Tombstone struct {
	TableID        uint64
	PrimaryKey     keyspace.Key
	Version        uint64
	PriorSegmentID uint64 // segment the live object previously resided in
}

// PreparedOp is the typed payload of an EntryPreparedOp log entry.
type PreparedOp struct {
	LeaseID         uint64
	RPCID           uint64
	ParticipantList []Participant
	TableID         uint64
	Op              OpType
	Object          Object // valid when Op == OpWrite
	RemoveKey       keyspace.Key
	RejectRules     RejectRules
}

// PrimaryKey returns the key a prepared op holds its in-memory lock on:
// the written object's key for OpWrite, RemoveKey otherwise.
func (p *PreparedOp) PrimaryKey() keyspace.Key {
	if p.Op == OpWrite {
		return p.Object.PrimaryKey()
	}
	return p.RemoveKey
}

// Participant names one (tableId, keyHash) pair a transaction touches.
type Participant struct {
	TableID uint64
	KeyHash uint64
}

// RejectRules mirrors RAMCloud's reject-rules struct: the caller's
// preconditions for read/write/remove (spec.md section 4.2).
type RejectRules struct {
	DoesntExist    bool
	Exists         bool
	GivenVersion   uint64
	VersionNeGiven bool // reject unless current version == GivenVersion
}

// RPCRecord is the typed payload of an EntryRPCRecord log entry: the
// canonical response for a completed linearizable RPC (spec.md section 3).
type RPCRecord struct {
	TableID        uint64
	PrimaryKeyHash uint64
	LeaseID        uint64
	RPCID          uint64
	AckID          uint64
	Result         []byte
}

// Decision is the outcome of a transaction's prepare phase.
type Decision uint8

const (
	DecisionCommit Decision = iota
	DecisionAbort
)

// TxDecisionRecord is the typed payload of an EntryTxDecision log entry.
type TxDecisionRecord struct {
	TableID         uint64
	KeyHash         uint64
	LeaseID         uint64
	RPCID           uint64
	Decision        Decision
	ParticipantList []Participant
}

// IndexNode is the typed payload of an EntryIndexNode log entry: opaque to
// the log itself (spec.md section 4.3), interpreted only by
// internal/indexlet and internal/migration. NodeKey is the B-tree node's
// leading index key, carried alongside the opaque Payload specifically so
// migration's isGreaterOrEqual split filter can compare it against a
// split point without having to decode Payload's backing-table-specific
// encoding.
type IndexNode struct {
	BackingTableID uint64
	NodeID         uint64
	NodeKey        []byte
	Payload        []byte
}

// Entry is the envelope every variant is wrapped in before being appended:
// (type-tag, length, payload, checksum), per spec.md section 6.
type Entry struct {
	Type     EntryType
	Payload  []byte // gob-encoded typed struct above
	Checksum uint32
}

func encode(v any) []byte {
	var buf bytes.Buffer
	// Entries are never malformed by construction; encoding failures here
	// would indicate a programming error in this package, not bad input.
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic("logio: entry encode: " + err.Error())
	}
	return buf.Bytes()
}

func checksum(entryType EntryType, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte{byte(entryType)})
	h.Write(payload)
	return h.Sum32()
}

func newEntry(t EntryType, v any) Entry {
	payload := encode(v)
	return Entry{Type: t, Payload: payload, Checksum: checksum(t, payload)}
}

// NewObjectEntry, NewTombstoneEntry, ... build the envelope for each
// variant.
func NewObjectEntry(o Object) Entry                   { return newEntry(EntryObject, o) }
func NewTombstoneEntry(t Tombstone) Entry             { return newEntry(EntryTombstone, t) }
func NewPreparedOpEntry(p PreparedOp) Entry           { return newEntry(EntryPreparedOp, p) }
func NewPreparedOpTombstoneEntry(ref Reference) Entry { return newEntry(EntryPreparedOpTombstone, ref) }
func NewRPCRecordEntry(r RPCRecord) Entry             { return newEntry(EntryRPCRecord, r) }
func NewTxDecisionEntry(d TxDecisionRecord) Entry     { return newEntry(EntryTxDecision, d) }
func NewIndexNodeEntry(n IndexNode) Entry             { return newEntry(EntryIndexNode, n) }

// Verify recomputes the checksum and compares it against the stored one.
// A mismatch here is how replay detects a truncated/corrupt segment.
func (e Entry) Verify() bool {
	return checksum(e.Type, e.Payload) == e.Checksum
}

func decode(payload []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

func (e Entry) DecodeObject() (Object, error) {
	var o Object
	err := decode(e.Payload, &o)
	return o, err
}

func (e Entry) DecodeTombstone() (Tombstone, error) {
	var t Tombstone
	err := decode(e.Payload, &t)
	return t, err
}

func (e Entry) DecodePreparedOp() (PreparedOp, error) {
	var p PreparedOp
	err := decode(e.Payload, &p)
	return p, err
}

func (e Entry) DecodePreparedOpTombstone() (Reference, error) {
	var ref Reference
	err := decode(e.Payload, &ref)
	return ref, err
}

func (e Entry) DecodeRPCRecord() (RPCRecord, error) {
	var r RPCRecord
	err := decode(e.Payload, &r)
	return r, err
}

func (e Entry) DecodeTxDecision() (TxDecisionRecord, error) {
	var d TxDecisionRecord
	err := decode(e.Payload, &d)
	return d, err
}

func (e Entry) DecodeIndexNode() (IndexNode, error) {
	var n IndexNode
	err := decode(e.Payload, &n)
	return n, err
}
