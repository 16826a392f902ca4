// Package coordinator is the narrow boundary onto the external cluster
// coordinator (spec.md section 1: "the coordinator RPC client" is a
// referenced collaborator, not part of this spec's core). Migration and
// recovery both call through this interface at their one durable
// handshake point.
package coordinator

import (
	"context"

	"github.com/chn0318/logmaster/internal/logio"
)

// Client is what migration and recovery need from the coordinator.
type Client interface {
	// ReassignTabletOwnership commits a completed migration: the
	// coordinator durably records that [firstKeyHash, lastKeyHash] on
	// tableID now belongs to newOwner, as of newOwnerLogHead.
	ReassignTabletOwnership(ctx context.Context, tableID, firstKeyHash, lastKeyHash, newOwner uint64, newOwnerLogHead logio.Position) error

	// RecoveryMasterFinished reports that this master has replayed every
	// segment for a recovery and reports whether the coordinator accepts
	// the result. leaseTimestamp is the clock value clustertime.Clock
	// must be advanced to, per spec.md section 4.6 step 7 ("before
	// informing the coordinator" in spirit: the caller must advance its
	// clock to leaseTimestamp, and must not expose the recovered data as
	// live, before doing anything else with this call's result).
	RecoveryMasterFinished(ctx context.Context, recoveryID, masterID uint64, success bool) (accepted bool, leaseTimestamp uint64, err error)
}

// Fake is an in-memory Client for tests: it never fails, answers
// RecoveryMasterFinished with AcceptFinish and LeaseTimestamp, and
// records calls so tests can assert on them.
type Fake struct {
	Reassignments []Reassignment
	Finishes      []Finish

	LeaseTimestamp uint64
	AcceptFinish   bool
}

type Reassignment struct {
	TableID, FirstKeyHash, LastKeyHash, NewOwner uint64
	NewOwnerLogHead                              logio.Position
}

type Finish struct {
	RecoveryID, MasterID uint64
	Success              bool
}

func NewFake() *Fake {
	return &Fake{AcceptFinish: true}
}

func (f *Fake) ReassignTabletOwnership(ctx context.Context, tableID, firstKeyHash, lastKeyHash, newOwner uint64, newOwnerLogHead logio.Position) error {
	f.Reassignments = append(f.Reassignments, Reassignment{tableID, firstKeyHash, lastKeyHash, newOwner, newOwnerLogHead})
	return nil
}

func (f *Fake) RecoveryMasterFinished(ctx context.Context, recoveryID, masterID uint64, success bool) (bool, uint64, error) {
	f.Finishes = append(f.Finishes, Finish{RecoveryID: recoveryID, MasterID: masterID, Success: success})
	return f.AcceptFinish, f.LeaseTimestamp, nil
}
