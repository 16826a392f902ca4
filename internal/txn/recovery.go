package txn

import (
	"context"
	"fmt"

	"github.com/chn0318/logmaster/internal/logio"
)

// PeerClient is the narrow, out-of-scope-transport view TxRecoveryManager
// needs of other participants in a transaction: ask a participant how it
// voted during prepare, and tell it the final decision. Nothing in this
// repo implements this against a real network; spec.md section 1 puts
// the transport layer itself out of scope.
type PeerClient interface {
	RequestPrepareVote(ctx context.Context, p logio.Participant, leaseID, rpcID uint64) (logio.Decision, error)
	SendDecision(ctx context.Context, p logio.Participant, rec logio.TxDecisionRecord, rpcID uint64) error
}

// RecoveryManager drives abandoned-transaction completion from
// TxHintFailed messages (spec.md section 4.4, C9).
type RecoveryManager struct {
	log   *logio.Log
	peers PeerClient
}

func NewRecoveryManager(log *logio.Log, peers PeerClient) *RecoveryManager {
	return &RecoveryManager{log: log, peers: peers}
}

// RecoverTransaction handles a single TxHintFailed: poll every
// participant for its prepare vote, decide COMMIT only if every
// participant had voted to commit, append the TxDecisionRecord first (so
// a crash mid-decision is recoverable), then drive the decision out to
// every participant (spec.md section 4.4).
func (rm *RecoveryManager) RecoverTransaction(ctx context.Context, leaseID, rpcID uint64, participants []logio.Participant) (logio.Decision, error) {
	decision := logio.DecisionCommit
	for _, p := range participants {
		vote, err := rm.peers.RequestPrepareVote(ctx, p, leaseID, rpcID)
		if err != nil || vote == logio.DecisionAbort {
			decision = logio.DecisionAbort
			break
		}
	}

	rec := logio.TxDecisionRecord{
		LeaseID:         leaseID,
		RPCID:           rpcID,
		Decision:        decision,
		ParticipantList: participants,
	}
	if len(participants) > 0 {
		rec.TableID = participants[0].TableID
		rec.KeyHash = participants[0].KeyHash
	}
	if _, err := rm.log.Append(logio.NewTxDecisionEntry(rec)); err != nil {
		return decision, fmt.Errorf("txn: append decision record: %w", err)
	}

	for _, p := range participants {
		if err := rm.peers.SendDecision(ctx, p, rec, rpcID); err != nil {
			return decision, fmt.Errorf("txn: send decision to participant %+v: %w", p, err)
		}
	}
	return decision, nil
}
