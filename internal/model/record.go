// Package model holds the data types shared across every component:
// keys, records, partitions, and node descriptors.
package model

import (
	"strings"
	"time"
)

// Key is a partition key, or a composite "partition|cluster" key. Only the
// partition component participates in ring placement.
type Key string

// PartitionKey returns the portion of the key used for ring placement.
func (k Key) PartitionKey() string {
	s := string(k)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[:i]
	}
	return s
}

// ClusterKey returns the clustering component, or "" if the key is a bare
// partition key.
func (k Key) ClusterKey() string {
	s := string(k)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// OpID identifies a mutation as "<origin_node>:<seq>", unique and monotonic
// per origin node.
type OpID string

func NewOpID(origin string, seq uint64) OpID {
	return OpID(origin + ":" + itoa(seq))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Meta carries everything about a record besides its value: the logical
// clocks, provenance, and tombstone flag.
type Meta struct {
	LamportTS   uint64
	Vector      map[string]uint64 // nil unless consistency_mode == vector
	OriginNode  string
	OriginSeq   uint64
	IsTombstone bool
	TxID        string    // "" unless the write belongs to an open transaction
	WallTime    time.Time // wall clock at write time, used only for tombstone retention
}

// Record is a logical (key, value, meta) triple. Value may be a raw byte
// string or the serialized state of a CRDT when consistency_mode == crdt.
type Record struct {
	Key   Key
	Value []byte
	Meta  Meta
}

// OpID reconstructs the operation id that produced this record.
func (r Record) OpID() OpID {
	return NewOpID(r.Meta.OriginNode, r.Meta.OriginSeq)
}

// Dominates reports whether r should replace other under last-write-wins:
// higher Lamport timestamp wins; ties broken by higher origin node id.
func (r Record) Dominates(other Record) bool {
	if r.Meta.LamportTS != other.Meta.LamportTS {
		return r.Meta.LamportTS > other.Meta.LamportTS
	}
	return r.Meta.OriginNode > other.Meta.OriginNode
}
