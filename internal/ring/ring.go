// Package ring implements the partition map: a
// 64-bit token ring with virtual nodes under hash partitioning, or
// contiguous key ranges under range partitioning, both producing an
// ordered replica list per partition. Grounded on
// coordinator/internal/algorithm/consistent_hash.go, with SHA-256 token
// hashing swapped for cespare/xxhash/v2 (faster, non-cryptographic, and
// already pulled in transitively via memberlist).
package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/pairdb-core/internal/model"
)

// VNode is one virtual node's position on the ring.
type VNode struct {
	Hash   uint64
	NodeID string
}

// HashRing places vnodes on a 64-bit ring (a uint64 token space in
// place of a 160-bit token; the comparison and wraparound logic is
// identical, only the modulus differs).
type HashRing struct {
	mu          sync.RWMutex
	ring        []uint64
	owner       map[uint64]string
	nodeTokens  map[string][]uint64
	vnodesPerID int
}

// NewHashRing creates a ring where every node gets vnodesPerNode virtual nodes.
func NewHashRing(vnodesPerNode int) *HashRing {
	if vnodesPerNode <= 0 {
		vnodesPerNode = 32
	}
	return &HashRing{
		owner:       make(map[uint64]string),
		nodeTokens:  make(map[string][]uint64),
		vnodesPerID: vnodesPerNode,
	}
}

func (r *HashRing) hash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// AddNode places vnodesPerNode tokens for nodeID onto the ring.
func (r *HashRing) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := make([]uint64, 0, r.vnodesPerID)
	for i := 0; i < r.vnodesPerID; i++ {
		h := r.hash(fmt.Sprintf("%s-vnode-%d", nodeID, i))
		r.ring = append(r.ring, h)
		r.owner[h] = nodeID
		tokens = append(tokens, h)
	}
	r.nodeTokens[nodeID] = tokens
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes every token nodeID owns.
func (r *HashRing) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, ok := r.nodeTokens[nodeID]
	if !ok {
		return
	}
	remove := make(map[uint64]bool, len(tokens))
	for _, t := range tokens {
		remove[t] = true
		delete(r.owner, t)
	}
	kept := make([]uint64, 0, len(r.ring)-len(tokens))
	for _, h := range r.ring {
		if !remove[h] {
			kept = append(kept, h)
		}
	}
	r.ring = kept
	delete(r.nodeTokens, nodeID)
}

// Replicas returns the n distinct physical nodes walking clockwise from
// key's token, the ordered replica preference list.
func (r *HashRing) Replicas(key model.Key, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil
	}
	keyHash := r.hash(key.PartitionKey())
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= keyHash })
	if idx >= len(r.ring) {
		idx = 0
	}

	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(r.ring) && len(out) < n; i++ {
		h := r.ring[(idx+i)%len(r.ring)]
		nodeID := r.owner[h]
		if !seen[nodeID] {
			out = append(out, nodeID)
			seen[nodeID] = true
		}
	}
	return out
}

// NodeCount returns the number of physical nodes currently on the ring.
func (r *HashRing) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeTokens)
}
