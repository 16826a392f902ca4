// Package keyspace defines the (tableId, keyBytes) identifier shared by
// every other package: the hash index, tablets, indexlets, and every
// typed log entry key off of it (spec.md section 3).
package keyspace

import "github.com/cespare/xxhash/v2"

// Key identifies an object within a table. Two Keys are equal iff both
// TableID and Bytes match; KeyHash is a derived, collidable shortcut used
// to place a key within a tablet's owned hash range.
type Key struct {
	TableID uint64
	Bytes   []byte
}

// Hash returns the 64-bit hash of tableId ∥ keyBytes used throughout the
// spec as "keyHash". Grounded on influxdata-influxdb's use of
// cespare/xxhash/v2 for hashing series identifiers into 64-bit buckets.
func (k Key) Hash() uint64 {
	h := xxhash.New()
	var tableIDBytes [8]byte
	putUint64(tableIDBytes[:], k.TableID)
	_, _ = h.Write(tableIDBytes[:])
	_, _ = h.Write(k.Bytes)
	return h.Sum64()
}

// Equal reports whether two keys name the same object.
func (k Key) Equal(other Key) bool {
	if k.TableID != other.TableID || len(k.Bytes) != len(other.Bytes) {
		return false
	}
	for i := range k.Bytes {
		if k.Bytes[i] != other.Bytes[i] {
			return false
		}
	}
	return true
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
