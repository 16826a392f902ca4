// Package replication is the narrow boundary onto the out-of-scope backup
// replication engine (spec.md section 1: "the on-disk/remote backup
// replication engine" is a referenced collaborator, not part of this
// spec's core). internal/logio.Log.SyncChanges calls through this
// interface to block until appended entries are durable on the
// configured number of replicas.
package replication

import "context"

// Client is what a Log needs from the replication engine: stream a
// segment's bytes out, and confirm durability. Grounded on the teacher's
// sharedlog/scalog.ScalogSystem, which plays exactly this role for its
// DataRecord/CommitRecord log.
type Client interface {
	// Replicate ships a segment's encoded bytes to the backup cluster.
	// It does not block until durable; Sync does.
	Replicate(ctx context.Context, segmentID uint64, data []byte) error

	// Sync blocks until every Replicate call issued so far has been
	// acknowledged durable by the configured replication factor of
	// backups.
	Sync(ctx context.Context) error

	// IsReplicaNeeded answers a backup's question of whether it still
	// needs to hold a replica of segmentID, or whether enough other
	// replicas already cover it. This belongs conceptually to the
	// out-of-scope backup replication engine (spec.md section 3,
	// "isReplicaNeeded" in the supplemented operations list); it is part
	// of this interface only so the boundary is visible, and both Clients
	// in this package answer true unconditionally.
	IsReplicaNeeded(segmentID uint64, backupID uint64) bool
}
