package migration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chn0318/logmaster/internal/status"
)

// Epochs track in-flight RPCs so migration phase 2 can busy-wait for every
// RPC that started before the migration's epoch to finish, closing the
// window an object could be written to the range mid-migration (spec.md
// section 4.5 phase 2, section 9).
//
// currentEpoch is the process-wide monotonic counter spec.md section 9
// calls for; outstanding is the set of epochs currently assigned to
// in-flight RPCs, used to compute earliestOutstandingEpoch.
type Epochs struct {
	current atomic.Uint64

	mu          sync.Mutex
	outstanding map[uint64]int
}

func NewEpochs() *Epochs {
	return &Epochs{outstanding: make(map[uint64]int)}
}

// Enter assigns the RPC the current epoch and marks it outstanding,
// returning a token Leave needs to clear it.
func (e *Epochs) Enter() uint64 {
	epoch := e.current.Load()
	e.mu.Lock()
	e.outstanding[epoch]++
	e.mu.Unlock()
	return epoch
}

// Leave clears one RPC's hold on epoch.
func (e *Epochs) Leave(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding[epoch]--
	if e.outstanding[epoch] <= 0 {
		delete(e.outstanding, epoch)
	}
}

// NextEpoch atomically bumps currentEpoch and returns the value observed
// immediately before the bump — the "epoch" migration phase 2 must drain
// past (spec.md section 4.5 step 4: "Obtain epoch = currentEpoch++").
func (e *Epochs) NextEpoch() uint64 {
	return e.current.Add(1) - 1
}

// earliestOutstanding returns the lowest epoch any in-flight RPC still
// holds; found is false if none are outstanding.
func (e *Epochs) earliestOutstanding() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var min uint64
	found := false
	for epoch, count := range e.outstanding {
		if count <= 0 {
			continue
		}
		if !found || epoch < min {
			min, found = epoch, true
		}
	}
	return min, found
}

// DrainPast busy-waits until every RPC holding an epoch <= target has
// left, or timeout elapses (spec.md section 4.5 step 4; the bounded
// timeout resolves spec.md section 9's open question about an otherwise
// unbounded busy-wait). A drain that times out returns status.Retry so the
// caller can retry the whole migration rather than hang a worker forever.
func (e *Epochs) DrainPast(ctx context.Context, target uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		earliest, found := e.earliestOutstanding()
		if !found || earliest > target {
			return nil
		}
		if time.Now().After(deadline) {
			return status.New(status.Retry, "migration epoch drain timed out waiting for epoch %d to clear", target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
