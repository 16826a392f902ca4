package rpcpb

import (
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/recovery"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
)

// Header carries the fields spec.md section 6 says accompany every
// linearizable-variant RPC: "(leaseId, leaseTerm, timestamp, rpcId,
// ackId)".
type Header struct {
	LeaseID   uint64
	RPCID     uint64
	AckID     uint64
	LeaseTerm uint64
	Timestamp uint64
}

type ReadRequest struct {
	TableID     uint64
	Key         []byte
	RejectRules logio.RejectRules
}

type ReadResponse struct {
	Status  status.Code
	Value   []byte
	Version uint64
}

type WriteRequest struct {
	Header        Header
	TableID       uint64
	PrimaryKey    []byte
	SecondaryKeys [][]byte
	Value         []byte
	RejectRules   logio.RejectRules
}

type WriteResponse struct {
	Status  status.Code
	Version uint64
}

type RemoveRequest struct {
	Header      Header
	TableID     uint64
	Key         []byte
	RejectRules logio.RejectRules
}

type RemoveResponse struct {
	Status  status.Code
	Version uint64
}

// IncrementRequest's DeltaInt64/DeltaFloat64 are applied independently,
// per spec.md section 4.7's "add both deltas independently where
// nonzero".
type IncrementRequest struct {
	Header      Header
	TableID     uint64
	Key         []byte
	DeltaInt64  int64
	DeltaFloat64 float64
	RejectRules logio.RejectRules
}

type IncrementResponse struct {
	Status     status.Code
	AsInt64    int64
	AsFloat64  float64
	Version    uint64
}

// MultiOpEntry is one sub-operation of a MultiOp batch; Op reuses
// logio.OpType so a batch can freely mix reads, writes, and removes.
type MultiOpEntry struct {
	Op          logio.OpType
	TableID     uint64
	Key         []byte
	Value       []byte
	RejectRules logio.RejectRules
}

type MultiOpResult struct {
	Status  status.Code
	Value   []byte
	Version uint64
}

type MultiOpRequest struct {
	Header Header
	Ops    []MultiOpEntry
}

type MultiOpResponse struct {
	Status  status.Code
	Results []MultiOpResult
}

// EnumerateRequest pages through a table's live objects. StartKeyHash is
// the low-water mark of the next page; a response with Done == false
// means call again with the response's NextStartHash.
type EnumerateRequest struct {
	TableID      uint64
	StartKeyHash uint64
	MaxResults   int
}

type EnumerateResponse struct {
	Status        status.Code
	Objects       []logio.Object
	NextStartHash uint64
	Done          bool
}

type ReadHashesRequest struct {
	TableID uint64
	Keys    [][]byte
}

type ReadHashesResponse struct {
	Status     status.Code
	Objects    []logio.Object
	NumHashes  int
	NumObjects int
}

type GetHeadOfLogRequest struct{}

type GetHeadOfLogResponse struct {
	Status   status.Code
	Position logio.Position
}

type TakeTabletOwnershipRequest struct {
	TableID, FirstKeyHash, LastKeyHash uint64
}

type TakeTabletOwnershipResponse struct {
	Status status.Code
}

type DropTabletOwnershipRequest struct {
	TableID, FirstKeyHash, LastKeyHash uint64
}

type DropTabletOwnershipResponse struct {
	Status status.Code
}

type TakeIndexletOwnershipRequest struct {
	TableID, IndexID                  uint64
	FirstKey, FirstNotOwnedKey         []byte
	BackingTableID                     uint64
}

type TakeIndexletOwnershipResponse struct {
	Status status.Code
}

type DropIndexletOwnershipRequest struct {
	TableID, IndexID uint64
	FirstKey         []byte
}

type DropIndexletOwnershipResponse struct {
	Status status.Code
}

type MigrateTabletRequest struct {
	TableID, FirstHash, LastHash, NewOwner uint64
}

type MigrateTabletResponse struct {
	Status status.Code
}

type PrepForMigrationRequest struct {
	TableID, FirstHash, LastHash uint64
}

type PrepForMigrationResponse struct {
	Status          status.Code
	NewOwnerLogHead logio.Position
}

type SplitAndMigrateIndexletRequest struct {
	TableID, IndexID                               uint64
	SplitKey                                       []byte
	CurrentBackingTableID, NewBackingTableID, NewOwner uint64
}

type SplitAndMigrateIndexletResponse struct {
	Status status.Code
}

// PrepForIndexletMigrationRequest is the destination-side handler for an
// indexlet split migration, named for the wire opcode spec.md section 6
// lists separately. It carries only the backing table id;
// internal/master dispatches it through the same engine method as
// PrepForMigrationRequest, over that table's full hash range, since a
// backing table's log head is a tablet's log head.
type PrepForIndexletMigrationRequest struct {
	BackingTableID uint64
}

type PrepForIndexletMigrationResponse struct {
	Status          status.Code
	NewOwnerLogHead logio.Position
}

type ReceiveMigrationDataRequest struct {
	TableID, FirstHash uint64
	SegmentID          uint64
	Data               []byte
}

type ReceiveMigrationDataResponse struct {
	Status status.Code
}

type RecoverRequest struct {
	RecoveryID, CrashedMasterID uint64
	Partition                   recovery.Partition
	Replicas                    []recovery.Replica
}

type RecoverResponse struct {
	Status status.Code
}

// TxOpRequest is one sub-operation of a TxPrepare batch. RPCID is the
// sub-operation's own identity within txn.PreparedWrites, distinct from
// the batch's Header.RPCID used for the overall RPC's dedup (spec.md
// section 4.4: "PreparedWrites maps (leaseId, rpcId) -> opRef").
type TxOpRequest struct {
	RPCID           uint64
	TableID         uint64
	Op              logio.OpType
	Key             []byte
	Value           []byte
	RejectRules     logio.RejectRules
	ParticipantList []logio.Participant
}

type TxPrepareRequest struct {
	Header Header
	Ops    []TxOpRequest
}

type TxPrepareResponse struct {
	Status status.Code
	Vote   logio.Decision
}

// TxDecisionParticipant names one participant's staged op, the unit
// txDecision looks up via (LeaseID, RPCID) and finalizes (spec.md section
// 4.7: "Peek the op at (leaseId, rpcId)").
type TxDecisionParticipant struct {
	TableID uint64
	KeyHash uint64
	RPCID   uint64
}

type TxDecisionRequest struct {
	LeaseID      uint64
	Decision     logio.Decision
	Participants []TxDecisionParticipant
}

type TxDecisionResponse struct {
	Status status.Code
}

type TxHintFailedRequest struct {
	LeaseID      uint64
	RPCID        uint64
	Participants []logio.Participant
}

type TxHintFailedResponse struct {
	Status   status.Code
	Decision logio.Decision
}

type GetServerStatisticsRequest struct{}

type TabletStatistics struct {
	TableID, FirstKeyHash, LastKeyHash uint64
	State                              tablet.State
	Stats                              tablet.Statistics
}

type GetServerStatisticsResponse struct {
	Status  status.Code
	Tablets []TabletStatistics
}

// LookupIndexKeysRequest is the read path over a secondary index (spec.md
// section 1): every primary key whose entry on (TableID, IndexID) falls in
// [FirstIndexKey, LastIndexKey], inclusive on both ends.
type LookupIndexKeysRequest struct {
	TableID       uint64
	IndexID       uint64
	FirstIndexKey []byte
	LastIndexKey  []byte
}

type LookupIndexKeysResponse struct {
	Status      status.Code
	PrimaryKeys [][]byte
}
