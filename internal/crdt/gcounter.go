// Package crdt implements the state-based CRDTs the CRDT consistency mode
// merges by construction instead of by timestamp comparison. Grounded
// on original_source/crdt.py, which implements exactly a GCounter and
// an ORSet; both are carried forward here.
package crdt

// GCounter is a grow-only counter: each replica tracks its own
// contribution and the value is the sum across replicas.
type GCounter struct {
	ReplicaID string
	State     map[string]uint64
}

func NewGCounter(replicaID string) *GCounter {
	return &GCounter{ReplicaID: replicaID, State: make(map[string]uint64)}
}

// Value is the sum of all replicas' contributions.
func (g *GCounter) Value() uint64 {
	var total uint64
	for _, v := range g.State {
		total += v
	}
	return total
}

// Apply increments this replica's own contribution by amount; an amount
// of 0 counts as 1.
func (g *GCounter) Apply(amount uint64) {
	if amount == 0 {
		amount = 1
	}
	g.State[g.ReplicaID] += amount
}

// Merge folds other into g by taking the element-wise max per replica —
// the join that makes GCounter a CRDT.
func (g *GCounter) Merge(other *GCounter) {
	for replica, v := range other.State {
		if v > g.State[replica] {
			g.State[replica] = v
		}
	}
}

func (g *GCounter) ToMap() map[string]uint64 {
	out := make(map[string]uint64, len(g.State))
	for k, v := range g.State {
		out[k] = v
	}
	return out
}

func GCounterFromMap(replicaID string, state map[string]uint64) *GCounter {
	g := NewGCounter(replicaID)
	for k, v := range state {
		g.State[k] = v
	}
	return g
}
