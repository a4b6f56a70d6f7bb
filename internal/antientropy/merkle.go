// Package antientropy compares key ranges across replicas without
// transferring every record, by hashing sorted (key, value, lamport_ts,
// origin, tombstone) tuples into a Merkle tree and exchanging only the
// roots. Grounded on original_source/merkle.py's
// merkle_root/compute_segment_hashes for the tree shape (leaves in
// sorted key order, combined bottom-up in pairs, duplicating the last
// leaf of an odd level, one root per segment rather than one root for
// the whole keyspace so a mismatch narrows the repair to the segment
// that actually diverged); the leaf payload itself folds in the
// replication metadata the original didn't carry, so two replicas
// holding the same value bytes under different Lamport timestamps or
// origins hash to different leaves instead of appearing converged.
package antientropy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/devrev/pairdb-core/internal/model"
)

// Hash is a Merkle node hash, hex-encoded sha256.
type Hash string

func hashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// leafHash covers the full replication identity of a record, not just
// its value bytes: (key, value, lamport_ts, origin, tombstone) per the
// anti-entropy comparison contract, so a divergent timestamp or origin
// on otherwise-identical bytes still produces a different leaf.
func leafHash(r model.Record) Hash {
	buf := make([]byte, 0, len(r.Key)+1+len(r.Value)+1+8+1+len(r.Meta.OriginNode)+1+1)
	buf = append(buf, r.Key...)
	buf = append(buf, ':')
	buf = append(buf, r.Value...)
	buf = append(buf, ':')
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], r.Meta.LamportTS)
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, ':')
	buf = append(buf, r.Meta.OriginNode...)
	buf = append(buf, ':')
	if r.Meta.IsTombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return hashBytes(buf)
}

var emptyRoot = hashBytes(nil)

// Root computes the Merkle root of a record set. Order of items does not
// matter; Root sorts by key before hashing.
func Root(items []model.Record) Hash {
	if len(items) == 0 {
		return emptyRoot
	}
	sorted := make([]model.Record, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	level := make([]Hash, len(sorted))
	for i, r := range sorted {
		level[i] = leafHash(r)
	}
	for len(level) > 1 {
		level = combineLevel(level)
	}
	return level[0]
}

func combineLevel(level []Hash) []Hash {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([]Hash, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		combined := append([]byte(level[i]), []byte(level[i+1])...)
		next[i/2] = hashBytes(combined)
	}
	return next
}

// Segment is one key-range slice of the keyspace that anti-entropy
// compares independently.
type Segment struct {
	Index int
	Low   string
	High  string
}

// Segments splits the full partition-key byte space into n contiguous,
// equal-width segments by first byte, mirroring the range-partitioning
// scheme in internal/ring so a segment boundary never crosses a
// partition boundary unexpectedly.
func Segments(n int) []Segment {
	if n <= 0 {
		n = 1
	}
	segs := make([]Segment, n)
	width := 256 / n
	for i := 0; i < n; i++ {
		low := byte(i * width)
		var high string
		if i == n-1 {
			high = ""
		} else {
			high = string([]byte{byte((i + 1) * width)})
		}
		segs[i] = Segment{Index: i, Low: string([]byte{low}), High: high}
	}
	return segs
}

func (s Segment) contains(key model.Key) bool {
	pk := key.PartitionKey()
	if pk < s.Low {
		return false
	}
	if s.High != "" && pk >= s.High {
		return false
	}
	return true
}

// SegmentRoots buckets items into their owning segment and returns one
// root per segment index, in order.
func SegmentRoots(items []model.Record, segs []Segment) []Hash {
	buckets := make([][]model.Record, len(segs))
	for _, r := range items {
		for i, s := range segs {
			if s.contains(r.Key) {
				buckets[i] = append(buckets[i], r)
				break
			}
		}
	}
	roots := make([]Hash, len(segs))
	for i, b := range buckets {
		roots[i] = Root(b)
	}
	return roots
}

// Diff compares two segment root sets of equal length and returns the
// indexes whose roots disagree — these are the only segments that need
// a repair read.
func Diff(local, remote []Hash) []int {
	var mismatched []int
	n := len(local)
	if len(remote) < n {
		n = len(remote)
	}
	for i := 0; i < n; i++ {
		if local[i] != remote[i] {
			mismatched = append(mismatched, i)
		}
	}
	for i := n; i < len(local) || i < len(remote); i++ {
		mismatched = append(mismatched, i)
	}
	return mismatched
}
