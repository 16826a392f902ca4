// Package rpcpb enumerates the wire-level opcodes this master exposes
// (spec.md section 6) as hand-written Go structs, one request/response
// pair per opcode, instead of generated .pb.go stubs — the RPC
// marshaling plumbing itself is out of scope (spec.md section 1), so
// there is nothing here but plain data the dispatcher in internal/master
// reads and writes.
//
// Only GetHeadOfLog and GetServerStatistics are ever carried over a real
// *grpc.Server (see codec.go); the rest are dispatched as direct Go calls
// in tests and by internal/master's own RPC-shaped API, mirroring the
// teacher's storagepb request/response pattern without the generated
// code.
package rpcpb

// Opcode names one of the RPCs spec.md section 6 enumerates.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpRemove
	OpIncrement
	OpMultiOp
	OpEnumerate
	OpReadHashes
	OpGetHeadOfLog
	OpTakeTabletOwnership
	OpDropTabletOwnership
	OpTakeIndexletOwnership
	OpDropIndexletOwnership
	OpMigrateTablet
	OpPrepForMigration
	OpSplitAndMigrateIndexlet
	OpPrepForIndexletMigration
	OpReceiveMigrationData
	OpRecover
	OpTxPrepare
	OpTxDecision
	OpTxHintFailed
	OpGetServerStatistics
	OpLookupIndexKeys
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpRemove:
		return "Remove"
	case OpIncrement:
		return "Increment"
	case OpMultiOp:
		return "MultiOp"
	case OpEnumerate:
		return "Enumerate"
	case OpReadHashes:
		return "ReadHashes"
	case OpGetHeadOfLog:
		return "GetHeadOfLog"
	case OpTakeTabletOwnership:
		return "TakeTabletOwnership"
	case OpDropTabletOwnership:
		return "DropTabletOwnership"
	case OpTakeIndexletOwnership:
		return "TakeIndexletOwnership"
	case OpDropIndexletOwnership:
		return "DropIndexletOwnership"
	case OpMigrateTablet:
		return "MigrateTablet"
	case OpPrepForMigration:
		return "PrepForMigration"
	case OpSplitAndMigrateIndexlet:
		return "SplitAndMigrateIndexlet"
	case OpPrepForIndexletMigration:
		return "PrepForIndexletMigration"
	case OpReceiveMigrationData:
		return "ReceiveMigrationData"
	case OpRecover:
		return "Recover"
	case OpTxPrepare:
		return "TxPrepare"
	case OpTxDecision:
		return "TxDecision"
	case OpTxHintFailed:
		return "TxHintFailed"
	case OpGetServerStatistics:
		return "GetServerStatistics"
	case OpLookupIndexKeys:
		return "LookupIndexKeys"
	default:
		return "UNKNOWN_OPCODE"
	}
}
