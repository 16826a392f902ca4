// Package master implements the dispatcher spec.md section 4.7 describes:
// the per-RPC sequence (advance cluster time, check for a duplicate,
// execute, record completion, reply) threaded around objectManager,
// migrationEngine, recoveryEngine, and txRecoveryManager. Every exported
// method here is one wire opcode from internal/rpcpb.
//
// Grounded on storageserver.Server's single-struct dispatch (one method per
// RPC, all sharing the server's embedded KVStore) in the teacher repo,
// generalized to the richer status/versioning/transaction semantics this
// system requires.
package master

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/chn0318/logmaster/internal/clustertime"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/migration"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/recovery"
	"github.com/chn0318/logmaster/internal/rpcpb"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
)

// Peers is the narrow, out-of-scope-transport view Service needs of the
// rest of the cluster: a migration destination by master id, and the
// backup transport recovery fetches segments from. Nothing in this repo
// implements this against a real network (spec.md section 1 puts the
// transport layer out of scope); tests supply fakes.
type Peers interface {
	MigrationDestination(peerID uint64) (migration.DestinationClient, error)
	Backups() recovery.BackupClient
}

// Service is the single per-master dispatcher every opcode in
// internal/rpcpb resolves to.
type Service struct {
	selfID uint64

	readyMu      sync.Mutex
	initCalled   bool
	disableCount int

	objects    *objmgr.Manager
	tablets    *tablet.Manager
	indexlets  *indexlet.Manager
	migrations *migration.Engine
	recoveries *recovery.Engine
	txRecovery *txn.RecoveryManager
	clock      *clustertime.Clock
	peers      Peers
}

func NewService(selfID uint64, objects *objmgr.Manager, tablets *tablet.Manager, indexlets *indexlet.Manager, migrations *migration.Engine, recoveries *recovery.Engine, txRecovery *txn.RecoveryManager, clock *clustertime.Clock, peers Peers) *Service {
	return &Service{
		selfID:     selfID,
		objects:    objects,
		tablets:    tablets,
		indexlets:  indexlets,
		migrations: migrations,
		recoveries: recoveries,
		txRecovery: txRecovery,
		clock:      clock,
		peers:      peers,
	}
}

// Enlist is the one-time initOnceEnlisted transition (spec.md section 2,
// 5, 7): before it runs, and again whenever disableCount is above zero,
// every opcode in this dispatcher must fail with STATUS_RETRY rather than
// touch half-initialized state. masterd calls this once it has registered
// with the coordinator; tests call it right after NewService.
func (s *Service) Enlist() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.initCalled = true
}

// Disable suspends dispatch: every RPC returns STATUS_RETRY until a
// matching Enable brings the count back to zero. Nested Disable/Enable
// pairs compose, so overlapping callers (recovery, migration admin calls)
// don't re-enable each other's suspension early.
func (s *Service) Disable() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.disableCount++
}

func (s *Service) Enable() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.disableCount > 0 {
		s.disableCount--
	}
}

// notReady reports whether dispatch must refuse the current RPC with
// STATUS_RETRY: before Enlist has ever run, or while disabled.
func (s *Service) notReady() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return !s.initCalled || s.disableCount > 0
}

// encodeResult/decodeResult turn a response struct into the opaque bytes
// an RpcRecord carries (spec.md section 4.7 step 3: "package the response
// header as the RpcRecord payload so that retries see byte-identical
// responses").
func encodeResult(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic("master: encode rpc result: " + err.Error())
	}
	return buf.Bytes()
}

func decodeResult(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// withEpoch holds an epoch token for the duration of fn, the half of
// spec.md section 4.5's drain protocol every mutating RPC owes the
// migration engine: phase 2 busy-waits until every RPC that entered before
// its epoch has left.
func (s *Service) withEpoch(fn func()) {
	epoch := s.migrations.Epochs().Enter()
	defer s.migrations.Epochs().Leave(epoch)
	fn()
}

// replayedOrRun implements spec.md section 4.7 steps 1-2 generically: it
// advances cluster time, and if (leaseId, rpcId) already completed, decodes
// the stored result into out and reports true. Otherwise it reports false
// and the caller proceeds to execute, append an RpcRecord, and record
// completion itself.
func (s *Service) replayedOrRun(h rpcpb.Header, out any) bool {
	s.clock.Advance(h.Timestamp)
	ref, dup := s.objects.Rpcs().CheckDuplicate(h.LeaseID, h.RPCID, h.AckID, h.LeaseTerm)
	if !dup {
		return false
	}
	entry, found := s.objects.Log().Get(ref)
	if !found {
		return false
	}
	rec, err := entry.DecodeRPCRecord()
	if err != nil {
		return false
	}
	if err := decodeResult(rec.Result, out); err != nil {
		return false
	}
	return true
}

// finish appends resp (already filled in) as an RpcRecord keyed by h,
// records the completion, and syncs once, per spec.md section 4.7 step 4.
func (s *Service) finish(ctx context.Context, h rpcpb.Header, tableID, keyHash uint64, resp any) error {
	rec := logio.RPCRecord{
		TableID:        tableID,
		PrimaryKeyHash: keyHash,
		LeaseID:        h.LeaseID,
		RPCID:          h.RPCID,
		AckID:          h.AckID,
		Result:         encodeResult(resp),
	}
	ref, err := s.objects.Log().Append(logio.NewRPCRecordEntry(rec))
	if err != nil {
		return err
	}
	s.objects.Rpcs().RecordCompletion(h.LeaseID, h.RPCID, ref)
	return s.objects.Log().SyncChanges(ctx)
}

// Read is not linearizable: it never blocks on durability and carries no
// lease/rpcId header (spec.md section 4.2).
func (s *Service) Read(ctx context.Context, req *rpcpb.ReadRequest) (*rpcpb.ReadResponse, error) {
	if s.notReady() {
		return &rpcpb.ReadResponse{Status: status.Retry}, nil
	}
	key := keyspace.Key{TableID: req.TableID, Bytes: req.Key}
	if _, ok := s.tablets.GetTablet(req.TableID, key.Hash()); !ok {
		return &rpcpb.ReadResponse{Status: status.UnknownTablet}, nil
	}
	obj, err := s.objects.ReadObject(key, req.RejectRules)
	if err != nil {
		return &rpcpb.ReadResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.ReadResponse{Status: status.OK, Value: obj.Value, Version: obj.Version}, nil
}

func (s *Service) Write(ctx context.Context, req *rpcpb.WriteRequest) (*rpcpb.WriteResponse, error) {
	if s.notReady() {
		return &rpcpb.WriteResponse{Status: status.Retry}, nil
	}
	resp := new(rpcpb.WriteResponse)
	if s.replayedOrRun(req.Header, resp) {
		return resp, nil
	}

	key := keyspace.Key{TableID: req.TableID, Bytes: req.PrimaryKey}
	if _, ok := s.tablets.GetTablet(req.TableID, key.Hash()); !ok {
		return &rpcpb.WriteResponse{Status: status.UnknownTablet}, nil
	}

	keys := make([]keyspace.Key, 0, 1+len(req.SecondaryKeys))
	keys = append(keys, key)
	for _, sk := range req.SecondaryKeys {
		keys = append(keys, keyspace.Key{TableID: req.TableID, Bytes: sk})
	}
	obj := logio.Object{TableID: req.TableID, Keys: keys, Value: req.Value}

	var err error
	var staleSecondaryKeys [][]byte
	s.withEpoch(func() {
		if old, readErr := s.objects.ReadObject(key, logio.RejectRules{}); readErr == nil {
			for _, k := range old.Keys[1:] {
				staleSecondaryKeys = append(staleSecondaryKeys, k.Bytes)
			}
		}
		var version uint64
		version, _, err = s.objects.WriteObject(obj, req.RejectRules, nil)
		resp.Version = version
	})
	if err != nil {
		return &rpcpb.WriteResponse{Status: status.CodeOf(err)}, nil
	}
	resp.Status = status.OK

	if err := s.finish(ctx, req.Header, req.TableID, key.Hash(), resp); err != nil {
		return nil, err
	}
	// Index maintenance happens after the reply is already durable
	// (spec.md section 4.7 step 4: "Index maintenance happens after
	// sendReply for latency"). The overwritten object's stale secondary
	// keys are removed before the new ones are inserted, so an
	// overwrite that drops or changes a secondary key never leaves a
	// dangling index entry (spec.md section 1).
	go s.maintainSecondaryIndexes(req.TableID, key, staleSecondaryKeys, req.SecondaryKeys)
	return resp, nil
}

func (s *Service) Remove(ctx context.Context, req *rpcpb.RemoveRequest) (*rpcpb.RemoveResponse, error) {
	if s.notReady() {
		return &rpcpb.RemoveResponse{Status: status.Retry}, nil
	}
	resp := new(rpcpb.RemoveResponse)
	if s.replayedOrRun(req.Header, resp) {
		return resp, nil
	}

	key := keyspace.Key{TableID: req.TableID, Bytes: req.Key}
	if _, ok := s.tablets.GetTablet(req.TableID, key.Hash()); !ok {
		return &rpcpb.RemoveResponse{Status: status.UnknownTablet}, nil
	}

	var obj logio.Object
	var err error
	s.withEpoch(func() {
		obj, err = s.objects.RemoveObject(key, req.RejectRules)
	})
	if err != nil {
		return &rpcpb.RemoveResponse{Status: status.CodeOf(err)}, nil
	}
	resp.Status = status.OK
	resp.Version = obj.Version

	if err := s.finish(ctx, req.Header, req.TableID, key.Hash(), resp); err != nil {
		return nil, err
	}
	staleSecondaryKeys := make([][]byte, 0, len(obj.Keys)-1)
	for _, k := range obj.Keys[1:] {
		staleSecondaryKeys = append(staleSecondaryKeys, k.Bytes)
	}
	go s.maintainSecondaryIndexes(req.TableID, key, staleSecondaryKeys, nil)
	return resp, nil
}

// numericValue is the payload Increment reads and rewrites: spec.md
// section 4.7 calls for "an exact-8-byte union of signed int64 and
// IEEE-754 float64", but section 8's scenario 2 shows the two views
// advancing independently (a Δi=0 increment leaves AsInt64 unchanged even
// though AsFloat64 moves) — impossible for a literal shared-bits union. We
// resolve this in favor of the worked scenario: AsInt64 and AsFloat64 are
// two independently addressable fields of one value, not one reinterpreted
// 8-byte cell. See DESIGN.md.
type numericValue struct {
	AsInt64   int64
	AsFloat64 float64
}

func decodeNumericValue(b []byte) numericValue {
	if len(b) == 0 {
		return numericValue{}
	}
	var v numericValue
	if err := decodeResult(b, &v); err != nil {
		return numericValue{}
	}
	return v
}

func encodeNumericValue(v numericValue) []byte {
	return encodeResult(v)
}

// Increment implements spec.md section 4.7's atomic read-increment-write
// loop: read current value (missing treated as zero unless
// rejectRules.doesntExist), add both deltas independently where nonzero,
// rewrite with rejectRules.givenVersion pinned to the version just read,
// retrying on WRONG_VERSION.
func (s *Service) Increment(ctx context.Context, req *rpcpb.IncrementRequest) (*rpcpb.IncrementResponse, error) {
	if s.notReady() {
		return &rpcpb.IncrementResponse{Status: status.Retry}, nil
	}
	resp := new(rpcpb.IncrementResponse)
	if s.replayedOrRun(req.Header, resp) {
		return resp, nil
	}

	key := keyspace.Key{TableID: req.TableID, Bytes: req.Key}
	if _, ok := s.tablets.GetTablet(req.TableID, key.Hash()); !ok {
		return &rpcpb.IncrementResponse{Status: status.UnknownTablet}, nil
	}

	var result numericValue
	var newVersion uint64
	var retErr error
	s.withEpoch(func() {
		for {
			current, readErr := s.objects.ReadObject(key, req.RejectRules)
			readVersion := uint64(0)
			var before numericValue
			switch {
			case readErr == nil:
				before = decodeNumericValue(current.Value)
				readVersion = current.Version
			case status.CodeOf(readErr) == status.ObjectDoesntExist && !req.RejectRules.DoesntExist:
				before = numericValue{}
				readVersion = 0
			default:
				retErr = readErr
				return
			}

			after := before
			if req.DeltaInt64 != 0 {
				after.AsInt64 += req.DeltaInt64
			}
			if req.DeltaFloat64 != 0 {
				after.AsFloat64 += req.DeltaFloat64
			}

			rr := req.RejectRules
			rr.VersionNeGiven = true
			rr.GivenVersion = readVersion
			obj := logio.Object{TableID: req.TableID, Keys: []keyspace.Key{key}, Value: encodeNumericValue(after)}
			version, _, writeErr := s.objects.WriteObject(obj, rr, nil)
			if writeErr != nil {
				if status.CodeOf(writeErr) == status.WrongVersion {
					continue
				}
				retErr = writeErr
				return
			}
			result, newVersion = after, version
			return
		}
	})
	if retErr != nil {
		return &rpcpb.IncrementResponse{Status: status.CodeOf(retErr)}, nil
	}

	resp.Status = status.OK
	resp.AsInt64 = result.AsInt64
	resp.AsFloat64 = result.AsFloat64
	resp.Version = newVersion

	if err := s.finish(ctx, req.Header, req.TableID, key.Hash(), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MultiOp applies a batch of read/write/remove sub-operations under one
// lease/rpcId, each with its own reject rules, and returns one result per
// sub-op; the batch as a whole is at-most-once (spec.md section 4.7), not
// the individual sub-ops.
func (s *Service) MultiOp(ctx context.Context, req *rpcpb.MultiOpRequest) (*rpcpb.MultiOpResponse, error) {
	if s.notReady() {
		return &rpcpb.MultiOpResponse{Status: status.Retry}, nil
	}
	resp := new(rpcpb.MultiOpResponse)
	if s.replayedOrRun(req.Header, resp) {
		return resp, nil
	}

	results := make([]rpcpb.MultiOpResult, len(req.Ops))
	var lastTableID, lastKeyHash uint64
	s.withEpoch(func() {
		for i, op := range req.Ops {
			key := keyspace.Key{TableID: op.TableID, Bytes: op.Key}
			lastTableID, lastKeyHash = op.TableID, key.Hash()
			if _, ok := s.tablets.GetTablet(op.TableID, key.Hash()); !ok {
				results[i] = rpcpb.MultiOpResult{Status: status.UnknownTablet}
				continue
			}
			switch op.Op {
			case logio.OpRead:
				obj, err := s.objects.ReadObject(key, op.RejectRules)
				if err != nil {
					results[i] = rpcpb.MultiOpResult{Status: status.CodeOf(err)}
					continue
				}
				results[i] = rpcpb.MultiOpResult{Status: status.OK, Value: obj.Value, Version: obj.Version}
			case logio.OpWrite:
				obj := logio.Object{TableID: op.TableID, Keys: []keyspace.Key{key}, Value: op.Value}
				version, _, err := s.objects.WriteObject(obj, op.RejectRules, nil)
				if err != nil {
					results[i] = rpcpb.MultiOpResult{Status: status.CodeOf(err)}
					continue
				}
				results[i] = rpcpb.MultiOpResult{Status: status.OK, Version: version}
			case logio.OpRemove:
				obj, err := s.objects.RemoveObject(key, op.RejectRules)
				if err != nil {
					results[i] = rpcpb.MultiOpResult{Status: status.CodeOf(err)}
					continue
				}
				results[i] = rpcpb.MultiOpResult{Status: status.OK, Version: obj.Version}
			default:
				results[i] = rpcpb.MultiOpResult{Status: status.RequestFormatError}
			}
		}
	})
	resp.Status = status.OK
	resp.Results = results

	if err := s.finish(ctx, req.Header, lastTableID, lastKeyHash, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Enumerate is not linearizable: a non-blocking page scan over a table's
// live objects in hash order.
func (s *Service) Enumerate(ctx context.Context, req *rpcpb.EnumerateRequest) (*rpcpb.EnumerateResponse, error) {
	if s.notReady() {
		return &rpcpb.EnumerateResponse{Status: status.Retry}, nil
	}
	objects, next, done, err := s.objects.Enumerate(req.TableID, req.StartKeyHash, req.MaxResults)
	if err != nil {
		return &rpcpb.EnumerateResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.EnumerateResponse{Status: status.OK, Objects: objects, NextStartHash: next, Done: done}, nil
}

// ReadHashes is not linearizable (spec.md section 4.2).
func (s *Service) ReadHashes(ctx context.Context, req *rpcpb.ReadHashesRequest) (*rpcpb.ReadHashesResponse, error) {
	if s.notReady() {
		return &rpcpb.ReadHashesResponse{Status: status.Retry}, nil
	}
	keys := make([]keyspace.Key, len(req.Keys))
	for i, b := range req.Keys {
		keys[i] = keyspace.Key{TableID: req.TableID, Bytes: b}
	}
	objects, numHashes, numObjects := s.objects.ReadHashes(req.TableID, keys)
	return &rpcpb.ReadHashesResponse{Status: status.OK, Objects: objects, NumHashes: numHashes, NumObjects: numObjects}, nil
}

func (s *Service) GetHeadOfLog(ctx context.Context, req *rpcpb.GetHeadOfLogRequest) (*rpcpb.GetHeadOfLogResponse, error) {
	if s.notReady() {
		return &rpcpb.GetHeadOfLogResponse{Status: status.Retry}, nil
	}
	return &rpcpb.GetHeadOfLogResponse{Status: status.OK, Position: s.objects.Log().Head()}, nil
}

func (s *Service) GetServerStatistics(ctx context.Context, req *rpcpb.GetServerStatisticsRequest) (*rpcpb.GetServerStatisticsResponse, error) {
	if s.notReady() {
		return &rpcpb.GetServerStatisticsResponse{Status: status.Retry}, nil
	}
	var out []rpcpb.TabletStatistics
	for _, t := range s.tablets.GetTablets() {
		out = append(out, rpcpb.TabletStatistics{
			TableID:      t.TableID,
			FirstKeyHash: t.FirstKeyHash,
			LastKeyHash:  t.LastKeyHash,
			State:        t.State,
			Stats:        t.Stats,
		})
	}
	return &rpcpb.GetServerStatisticsResponse{Status: status.OK, Tablets: out}, nil
}

// maintainSecondaryIndexes keeps an object's secondary-index entries in
// step with its current secondary keys (spec.md section 1: "strongly
// consistent insertion and removal of index entries coordinated with
// object writes"): every key in staleSecondaryKeys is removed first, then
// one entry per key in secondaryKeys is best-effort-inserted into
// whichever owned indexlet claims that key range. A key that falls
// outside every owned indexlet is silently skipped on insert — the owning
// master for that range will pick it up when its own write lands, since
// secondary index ownership is independent of primary key ownership.
func (s *Service) maintainSecondaryIndexes(tableID uint64, primaryKey keyspace.Key, staleSecondaryKeys, secondaryKeys [][]byte) {
	for _, sk := range staleSecondaryKeys {
		for _, il := range s.indexlets.GetIndexlets() {
			if il.TableID != tableID {
				continue
			}
			if il.RemoveEntry(sk, primaryKey) {
				break
			}
		}
	}
	for _, sk := range secondaryKeys {
		for _, il := range s.indexlets.GetIndexlets() {
			if il.TableID != tableID {
				continue
			}
			if err := il.InsertEntry(sk, primaryKey); err == nil {
				break
			}
		}
	}
}
