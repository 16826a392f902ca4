package master

import (
	"context"
	"fmt"

	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/rpcpb"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
)

// TakeTabletOwnership installs a new owned NORMAL tablet (spec.md section
// 4.3's addTablet, reached by an external coordinator assignment rather
// than migration or recovery).
func (s *Service) TakeTabletOwnership(ctx context.Context, req *rpcpb.TakeTabletOwnershipRequest) (*rpcpb.TakeTabletOwnershipResponse, error) {
	if s.notReady() {
		return &rpcpb.TakeTabletOwnershipResponse{Status: status.Retry}, nil
	}
	if err := s.tablets.AddTablet(req.TableID, req.FirstKeyHash, req.LastKeyHash, tablet.Normal); err != nil {
		return &rpcpb.TakeTabletOwnershipResponse{Status: status.ObjectExists}, nil
	}
	return &rpcpb.TakeTabletOwnershipResponse{Status: status.OK}, nil
}

// DropTabletOwnership deletes a tablet and purges any hash-index entries
// that fall outside what remains owned.
func (s *Service) DropTabletOwnership(ctx context.Context, req *rpcpb.DropTabletOwnershipRequest) (*rpcpb.DropTabletOwnershipResponse, error) {
	if s.notReady() {
		return &rpcpb.DropTabletOwnershipResponse{Status: status.Retry}, nil
	}
	if !s.tablets.DeleteTablet(req.TableID, req.FirstKeyHash, req.LastKeyHash) {
		return &rpcpb.DropTabletOwnershipResponse{Status: status.UnknownTablet}, nil
	}
	s.objects.RemoveOrphanedObjects()
	return &rpcpb.DropTabletOwnershipResponse{Status: status.OK}, nil
}

func (s *Service) TakeIndexletOwnership(ctx context.Context, req *rpcpb.TakeIndexletOwnershipRequest) (*rpcpb.TakeIndexletOwnershipResponse, error) {
	if s.notReady() {
		return &rpcpb.TakeIndexletOwnershipResponse{Status: status.Retry}, nil
	}
	if _, err := s.indexlets.AddIndexlet(req.TableID, req.IndexID, req.FirstKey, req.FirstNotOwnedKey, req.BackingTableID, indexlet.Normal); err != nil {
		return &rpcpb.TakeIndexletOwnershipResponse{Status: status.ObjectExists}, nil
	}
	return &rpcpb.TakeIndexletOwnershipResponse{Status: status.OK}, nil
}

func (s *Service) DropIndexletOwnership(ctx context.Context, req *rpcpb.DropIndexletOwnershipRequest) (*rpcpb.DropIndexletOwnershipResponse, error) {
	if s.notReady() {
		return &rpcpb.DropIndexletOwnershipResponse{Status: status.Retry}, nil
	}
	if !s.indexlets.DeleteIndexlet(req.TableID, req.IndexID, req.FirstKey) {
		return &rpcpb.DropIndexletOwnershipResponse{Status: status.UnknownIndexlet}, nil
	}
	return &rpcpb.DropIndexletOwnershipResponse{Status: status.OK}, nil
}

// LookupIndexKeys is the read path over a secondary index (spec.md section
// 1): it resolves the indexlet owning FirstIndexKey and returns every
// primary key in range. A lookup range spanning more than one owned
// indexlet only sees the one FirstIndexKey falls in, matching how
// secondary-index ownership is carved into disjoint ranges in the first
// place.
func (s *Service) LookupIndexKeys(ctx context.Context, req *rpcpb.LookupIndexKeysRequest) (*rpcpb.LookupIndexKeysResponse, error) {
	if s.notReady() {
		return &rpcpb.LookupIndexKeysResponse{Status: status.Retry}, nil
	}
	il, ok := s.indexlets.Get(req.TableID, req.IndexID, req.FirstIndexKey)
	if !ok {
		return &rpcpb.LookupIndexKeysResponse{Status: status.UnknownIndexlet}, nil
	}
	keys := il.LookupIndexKeys(req.FirstIndexKey, req.LastIndexKey)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = k.Bytes
	}
	return &rpcpb.LookupIndexKeysResponse{Status: status.OK, PrimaryKeys: out}, nil
}

// MigrateTablet is the source-side entry point for spec.md section 4.5.
// It is deliberately not wrapped in withEpoch: this call owns the drain
// migrationEngine performs internally, so holding an epoch token across it
// would make phase 2 wait on itself forever.
func (s *Service) MigrateTablet(ctx context.Context, req *rpcpb.MigrateTabletRequest) (*rpcpb.MigrateTabletResponse, error) {
	if s.notReady() {
		return &rpcpb.MigrateTabletResponse{Status: status.Retry}, nil
	}
	dest, err := s.peers.MigrationDestination(req.NewOwner)
	if err != nil {
		return &rpcpb.MigrateTabletResponse{Status: status.Retry}, nil
	}
	if err := s.migrations.MigrateTablet(ctx, dest, req.TableID, req.FirstHash, req.LastHash, req.NewOwner); err != nil {
		return &rpcpb.MigrateTabletResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.MigrateTabletResponse{Status: status.OK}, nil
}

func (s *Service) PrepForMigration(ctx context.Context, req *rpcpb.PrepForMigrationRequest) (*rpcpb.PrepForMigrationResponse, error) {
	if s.notReady() {
		return &rpcpb.PrepForMigrationResponse{Status: status.Retry}, nil
	}
	pos, err := s.migrations.PrepForMigration(req.TableID, req.FirstHash, req.LastHash)
	if err != nil {
		return &rpcpb.PrepForMigrationResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.PrepForMigrationResponse{Status: status.OK, NewOwnerLogHead: pos}, nil
}

// PrepForIndexletMigration dispatches through the same engine method as
// PrepForMigration: a backing table's log head is a regular tablet's log
// head, just addressed with an unbounded hash range.
func (s *Service) PrepForIndexletMigration(ctx context.Context, req *rpcpb.PrepForIndexletMigrationRequest) (*rpcpb.PrepForIndexletMigrationResponse, error) {
	if s.notReady() {
		return &rpcpb.PrepForIndexletMigrationResponse{Status: status.Retry}, nil
	}
	pos, err := s.migrations.PrepForMigration(req.BackingTableID, 0, ^uint64(0))
	if err != nil {
		return &rpcpb.PrepForIndexletMigrationResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.PrepForIndexletMigrationResponse{Status: status.OK, NewOwnerLogHead: pos}, nil
}

func (s *Service) SplitAndMigrateIndexlet(ctx context.Context, req *rpcpb.SplitAndMigrateIndexletRequest) (*rpcpb.SplitAndMigrateIndexletResponse, error) {
	if s.notReady() {
		return &rpcpb.SplitAndMigrateIndexletResponse{Status: status.Retry}, nil
	}
	dest, err := s.peers.MigrationDestination(req.NewOwner)
	if err != nil {
		return &rpcpb.SplitAndMigrateIndexletResponse{Status: status.Retry}, nil
	}
	if err := s.migrations.SplitAndMigrateIndexlet(ctx, dest, req.TableID, req.IndexID, req.SplitKey, req.CurrentBackingTableID, req.NewBackingTableID, req.NewOwner); err != nil {
		return &rpcpb.SplitAndMigrateIndexletResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.SplitAndMigrateIndexletResponse{Status: status.OK}, nil
}

func (s *Service) ReceiveMigrationData(ctx context.Context, req *rpcpb.ReceiveMigrationDataRequest) (*rpcpb.ReceiveMigrationDataResponse, error) {
	if s.notReady() {
		return &rpcpb.ReceiveMigrationDataResponse{Status: status.Retry}, nil
	}
	if err := s.migrations.ReceiveMigrationData(req.TableID, req.FirstHash, req.SegmentID, req.Data); err != nil {
		return &rpcpb.ReceiveMigrationDataResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.ReceiveMigrationDataResponse{Status: status.OK}, nil
}

func (s *Service) Recover(ctx context.Context, req *rpcpb.RecoverRequest) (*rpcpb.RecoverResponse, error) {
	if s.notReady() {
		return &rpcpb.RecoverResponse{Status: status.Retry}, nil
	}
	if err := s.recoveries.Recover(ctx, req.RecoveryID, req.CrashedMasterID, req.Partition, req.Replicas, s.peers.Backups()); err != nil {
		return &rpcpb.RecoverResponse{Status: status.CodeOf(err)}, nil
	}
	return &rpcpb.RecoverResponse{Status: status.OK}, nil
}

// txVote is the opaque payload recordVote stashes in an RpcRecord so a
// retried sub-op can recover its outcome without re-running prepareOp
// (spec.md section 4.7: "if UnackedRpcResults.isDuplicate, reuse stored
// vote").
type txVote struct {
	Decision logio.Decision
}

func (s *Service) recordVote(leaseID, rpcID uint64, decision logio.Decision) error {
	ref, err := s.objects.Log().Append(logio.NewRPCRecordEntry(logio.RPCRecord{
		LeaseID: leaseID,
		RPCID:   rpcID,
		Result:  encodeResult(txVote{Decision: decision}),
	}))
	if err != nil {
		return err
	}
	s.objects.Rpcs().RecordCompletion(leaseID, rpcID, ref)
	return nil
}

// TxPrepare implements spec.md section 4.7's txPrepare: per sub-op, reuse
// a previously recorded vote if this exact (leaseId, rpcId) already ran;
// otherwise stage it via objectManager.prepareOp, aborting the whole batch
// (and skipping any remaining sub-ops) the moment one fails to win its
// commit vote.
func (s *Service) TxPrepare(ctx context.Context, req *rpcpb.TxPrepareRequest) (*rpcpb.TxPrepareResponse, error) {
	if s.notReady() {
		return &rpcpb.TxPrepareResponse{Status: status.Retry}, nil
	}
	resp := new(rpcpb.TxPrepareResponse)
	if s.replayedOrRun(req.Header, resp) {
		return resp, nil
	}

	h := req.Header
	vote := logio.DecisionCommit
	var opErr error
	s.withEpoch(func() {
		for _, op := range req.Ops {
			if ref, dup := s.objects.Rpcs().CheckDuplicate(h.LeaseID, op.RPCID, h.AckID, h.LeaseTerm); dup {
				entry, found := s.objects.Log().Get(ref)
				if found {
					if rec, err := entry.DecodeRPCRecord(); err == nil {
						var v txVote
						if decErr := decodeResult(rec.Result, &v); decErr == nil && v.Decision == logio.DecisionAbort {
							vote = logio.DecisionAbort
							return
						}
					}
				}
				continue
			}

			key := keyspace.Key{TableID: op.TableID, Bytes: op.Key}
			staged := logio.PreparedOp{
				LeaseID:         h.LeaseID,
				RPCID:           op.RPCID,
				ParticipantList: op.ParticipantList,
				TableID:         op.TableID,
				Op:              op.Op,
				RejectRules:     op.RejectRules,
			}
			if op.Op == logio.OpWrite {
				staged.Object = logio.Object{TableID: op.TableID, Keys: []keyspace.Key{key}, Value: op.Value}
			} else {
				staged.RemoveKey = key
			}

			_, isCommitVote, err := s.objects.PrepareOp(staged, nil)
			if err != nil {
				opErr = err
				return
			}
			if !isCommitVote {
				if voteErr := s.recordVote(h.LeaseID, op.RPCID, logio.DecisionAbort); voteErr != nil {
					opErr = voteErr
					return
				}
				vote = logio.DecisionAbort
				return
			}
			if voteErr := s.recordVote(h.LeaseID, op.RPCID, logio.DecisionCommit); voteErr != nil {
				opErr = voteErr
				return
			}
		}
	})
	if opErr != nil {
		return &rpcpb.TxPrepareResponse{Status: status.CodeOf(opErr)}, nil
	}

	resp.Status = status.OK
	resp.Vote = vote
	if err := s.finish(ctx, h, 0, 0, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TxDecision implements spec.md section 4.7's txDecision: finalize every
// participant's staged op per the transaction's outcome, tolerating
// participants that were already finalized by a prior retry.
func (s *Service) TxDecision(ctx context.Context, req *rpcpb.TxDecisionRequest) (*rpcpb.TxDecisionResponse, error) {
	if s.notReady() {
		return &rpcpb.TxDecisionResponse{Status: status.Retry}, nil
	}
	var rejected bool
	s.withEpoch(func() {
		for _, p := range req.Participants {
			t, ok := s.tablets.GetTablet(p.TableID, p.KeyHash)
			if !ok || t.State != tablet.Normal {
				rejected = true
				return
			}
			staged, ok := s.objects.Prepared().PeekOp(req.LeaseID, p.RPCID)
			if !ok {
				continue
			}
			entry, found := s.objects.Log().Get(staged.Ref)
			if !found {
				continue
			}
			op, err := entry.DecodePreparedOp()
			if err != nil {
				continue
			}
			if req.Decision == logio.DecisionCommit {
				switch op.Op {
				case logio.OpRead:
					_ = s.objects.CommitRead(op, staged.Ref)
				case logio.OpRemove:
					_ = s.objects.CommitRemove(op, staged.Ref)
				case logio.OpWrite:
					_ = s.objects.CommitWrite(op, staged.Ref)
				}
			} else {
				_ = s.objects.CommitRead(op, staged.Ref)
			}
			s.objects.Prepared().PopOp(req.LeaseID, p.RPCID)
			// Tombstone the PreparedOp entry itself so a replay of this
			// segment after a crash never re-buffers an already-decided
			// op into PreparedWrites (spec.md section 6: PREPAREDOPTOMB).
			_ = s.objects.TombstonePreparedOp(staged.Ref)
		}
	})
	if rejected {
		return &rpcpb.TxDecisionResponse{Status: status.UnknownTablet}, nil
	}
	if err := s.objects.Log().SyncChanges(ctx); err != nil {
		return nil, fmt.Errorf("master: txDecision sync: %w", err)
	}
	return &rpcpb.TxDecisionResponse{Status: status.OK}, nil
}

// TxHintFailed drives TxRecoveryManager's abandoned-transaction completion
// (spec.md section 4.4, C9).
func (s *Service) TxHintFailed(ctx context.Context, req *rpcpb.TxHintFailedRequest) (*rpcpb.TxHintFailedResponse, error) {
	if s.notReady() {
		return &rpcpb.TxHintFailedResponse{Status: status.Retry}, nil
	}
	decision, err := s.txRecovery.RecoverTransaction(ctx, req.LeaseID, req.RPCID, req.Participants)
	if err != nil {
		return &rpcpb.TxHintFailedResponse{Status: status.InternalError}, nil
	}
	return &rpcpb.TxHintFailedResponse{Status: status.OK, Decision: decision}, nil
}
