package ring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb-core/internal/model"
)

// Strategy selects how partitions are laid out over the key space.
// num_partitions and partitions_per_node are alternatives, never
// combined.
type Strategy string

const (
	StrategyHash  Strategy = "hash"
	StrategyRange Strategy = "range"
)

// Partitioner owns the active PartitionMap and the placement strategy used
// to (re)compute it. Readers take an atomic snapshot so a rebalance never
// exposes a half-updated map (same atomic-pointer-swap shape used in
// internal/lsm for level snapshots).
type Partitioner struct {
	strategy Strategy
	ring     *HashRing
	replicationFactor int

	mapPtr atomic.Pointer[model.PartitionMap]

	mu sync.Mutex // serializes map rebuilds
}

// New creates a Partitioner. numPartitions is used only under
// StrategyRange; vnodesPerNode only under StrategyHash.
func New(strategy Strategy, replicationFactor, vnodesPerNode, numPartitions int) *Partitioner {
	p := &Partitioner{
		strategy:          strategy,
		ring:              NewHashRing(vnodesPerNode),
		replicationFactor: replicationFactor,
	}
	m := model.NewPartitionMap()
	if strategy == StrategyRange {
		m = rangePartitionMap(numPartitions)
	}
	p.mapPtr.Store(m)
	return p
}

// rangePartitionMap splits the key space into n contiguous, unowned
// ranges over the full 256-value first-byte space, a simple scheme
// adequate until the first rebalance assigns owners.
func rangePartitionMap(n int) *model.PartitionMap {
	if n <= 0 {
		n = 1
	}
	m := model.NewPartitionMap()
	const span = 256
	step := span / n
	for i := 0; i < n; i++ {
		low := byte(i * step)
		var high string
		if i < n-1 {
			high = string([]byte{byte((i + 1) * step)})
		}
		m.Partitions[uint64(i)] = &model.Partition{
			PID:   uint64(i),
			Range: model.KeyRange{Low: string([]byte{low}), High: high},
		}
	}
	return m
}

// Map returns the current partition map snapshot.
func (p *Partitioner) Map() *model.PartitionMap {
	return p.mapPtr.Load()
}

// AddNode registers a physical node for hash placement and triggers a
// rebalance; range placement handles node changes separately via admin
// split/merge operations.
func (p *Partitioner) AddNode(nodeID string) {
	if p.strategy != StrategyHash {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.AddNode(nodeID)
	p.rebuildHashMapLocked()
}

// RemoveNode unregisters a physical node and triggers a rebalance.
func (p *Partitioner) RemoveNode(nodeID string) {
	if p.strategy != StrategyHash {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.RemoveNode(nodeID)
	p.rebuildHashMapLocked()
}

// rebuildHashMapLocked assigns owner+replicas for every partition from the
// current ring state and installs a new map with a bumped, monotonic
// epoch.
func (p *Partitioner) rebuildHashMapLocked() {
	old := p.mapPtr.Load()
	next := old.Clone()
	next.Epoch++

	for pid, part := range next.Partitions {
		key := model.Key(part.Range.Low)
		replicas := p.ring.Replicas(key, p.replicationFactor)
		if len(replicas) == 0 {
			continue
		}
		cp := *part
		cp.Owner = replicas[0]
		cp.Replicas = replicas
		next.Partitions[pid] = &cp
	}
	p.mapPtr.Store(next)
}

// ReplicasFor returns the ordered preference list for key: under hash
// placement this is computed live from the ring; under range placement it
// is looked up from the owning partition's replica list.
func (p *Partitioner) ReplicasFor(key model.Key) []string {
	if p.strategy == StrategyHash {
		return p.ring.Replicas(key, p.replicationFactor)
	}
	part := p.PartitionFor(key)
	if part == nil {
		return nil
	}
	return part.Replicas
}

// PartitionFor returns the partition owning key, or nil if the map has no
// covering partition yet.
func (p *Partitioner) PartitionFor(key model.Key) *model.Partition {
	m := p.mapPtr.Load()
	pk := key.PartitionKey()
	for _, part := range m.Partitions {
		if part.Range.Contains(pk) {
			return part
		}
	}
	return nil
}

// SplitRange splits partition pid at splitKey into a low half (keeping
// pid) and a new high half owned by newOwner. Only
// defined under range placement — hash placement has no fixed partition
// ranges to split, since AddNode/RemoveNode already redistribute the
// virtual-node space incrementally.
func (p *Partitioner) SplitRange(pid uint64, splitKey, newOwner string) (*model.PartitionMap, error) {
	if p.strategy != StrategyRange {
		return nil, fmt.Errorf("split_partition is only defined under range placement")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.mapPtr.Load()
	part, ok := cur.Partitions[pid]
	if !ok {
		return nil, fmt.Errorf("no partition %d", pid)
	}
	if !part.Range.Contains(splitKey) || splitKey == part.Range.Low {
		return nil, fmt.Errorf("split key %q is not strictly inside partition %d's range", splitKey, pid)
	}

	next := cur.Clone()
	next.Epoch++
	low := *next.Partitions[pid]
	low.Range = model.KeyRange{Low: part.Range.Low, High: splitKey}
	next.Partitions[pid] = &low

	next.Partitions[nextPID(next)] = &model.Partition{
		PID:      nextPID(next),
		Range:    model.KeyRange{Low: splitKey, High: part.Range.High},
		Owner:    newOwner,
		Replicas: []string{newOwner},
	}
	p.mapPtr.Store(next)
	return next, nil
}

func nextPID(m *model.PartitionMap) uint64 {
	var max uint64
	for pid := range m.Partitions {
		if pid > max {
			max = pid
		}
	}
	return max + 1
}

// MergeRange merges two contiguous range partitions into the lower
// partition's id, dropping the higher one; only defined for contiguous
// partitions.
func (p *Partitioner) MergeRange(pid1, pid2 uint64) (*model.PartitionMap, error) {
	if p.strategy != StrategyRange {
		return nil, fmt.Errorf("merge_partitions is only defined under range placement")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.mapPtr.Load()
	a, ok1 := cur.Partitions[pid1]
	b, ok2 := cur.Partitions[pid2]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unknown partition id")
	}

	var low, high *model.Partition
	switch {
	case a.Range.High == b.Range.Low:
		low, high = a, b
	case b.Range.High == a.Range.Low:
		low, high = b, a
	default:
		return nil, fmt.Errorf("partitions %d and %d are not contiguous", pid1, pid2)
	}

	next := cur.Clone()
	next.Epoch++
	merged := *next.Partitions[low.PID]
	merged.Range = model.KeyRange{Low: low.Range.Low, High: high.Range.High}
	next.Partitions[low.PID] = &merged
	delete(next.Partitions, high.PID)
	p.mapPtr.Store(next)
	return next, nil
}

// Rebalance redistributes partition ownership evenly across liveNodes.
// Under hash placement this just rebuilds from the ring, which already
// spreads tokens evenly; under range placement it round-robins ownership
// across liveNodes without moving range boundaries — boundary-preserving
// redistribution is what split/merge are for.
func (p *Partitioner) Rebalance(liveNodes []string) *model.PartitionMap {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.strategy == StrategyHash {
		p.rebuildHashMapLocked()
		return p.mapPtr.Load()
	}

	cur := p.mapPtr.Load()
	next := cur.Clone()
	next.Epoch++
	if len(liveNodes) > 0 {
		pids := make([]uint64, 0, len(next.Partitions))
		for pid := range next.Partitions {
			pids = append(pids, pid)
		}
		sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
		for i, pid := range pids {
			owner := liveNodes[i%len(liveNodes)]
			cp := *next.Partitions[pid]
			cp.Owner = owner
			cp.Replicas = []string{owner}
			next.Partitions[pid] = &cp
		}
	}
	p.mapPtr.Store(next)
	return next
}

// Install atomically swaps in a new map received from the coordinator's
// propagation path, accepting it only if its epoch advances.
func (p *Partitioner) Install(m *model.PartitionMap) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.mapPtr.Load()
	if m.Epoch <= cur.Epoch {
		return false
	}
	p.mapPtr.Store(m)
	return true
}
