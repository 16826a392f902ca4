// Package clustertime maintains the monotonic logical clock each master
// advances on every client RPC and catches up during recovery (spec.md
// section 5, "Cluster time is monotone non-decreasing per master").
package clustertime

import "sync/atomic"

// Clock is a monotonically non-decreasing counter. The zero value is ready
// to use.
type Clock struct {
	value atomic.Uint64
}

// Advance performs the CAS loop described in spec.md section 4.7 step 1:
// clusterTime = max(clusterTime, timestamp). Returns the resulting value.
func (c *Clock) Advance(timestamp uint64) uint64 {
	for {
		cur := c.value.Load()
		if timestamp <= cur {
			return cur
		}
		if c.value.CompareAndSwap(cur, timestamp) {
			return timestamp
		}
	}
}

// Now returns the current cluster time without advancing it.
func (c *Clock) Now() uint64 {
	return c.value.Load()
}

// LeaseExpired reports whether a lease with the given term has expired
// relative to the current cluster time (used by UnackedRpcResults'
// background cleaner).
func (c *Clock) LeaseExpired(leaseTerm uint64) bool {
	return leaseTerm < c.Now()
}
