package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/model"
)

func TestHashRingReplicasDistinctAndStable(t *testing.T) {
	r := NewHashRing(16)
	r.AddNode("n1")
	r.AddNode("n2")
	r.AddNode("n3")

	reps := r.Replicas(model.Key("some-key"), 2)
	require.Len(t, reps, 2)
	require.NotEqual(t, reps[0], reps[1])

	again := r.Replicas(model.Key("some-key"), 2)
	require.Equal(t, reps, again)
}

func TestHashRingRemoveNodeRedistributes(t *testing.T) {
	r := NewHashRing(16)
	r.AddNode("n1")
	r.AddNode("n2")
	require.Equal(t, 2, r.NodeCount())

	r.RemoveNode("n1")
	require.Equal(t, 1, r.NodeCount())
	reps := r.Replicas(model.Key("k"), 1)
	require.Equal(t, []string{"n2"}, reps)
}

func TestPartitionerHashRebalanceBumpsEpoch(t *testing.T) {
	p := New(StrategyHash, 2, 8, 0)
	initialEpoch := p.Map().Epoch

	p.AddNode("n1")
	p.AddNode("n2")
	require.Greater(t, p.Map().Epoch, initialEpoch)
}

func TestPartitionerRangeContainsKey(t *testing.T) {
	p := New(StrategyRange, 2, 0, 4)
	part := p.PartitionFor(model.Key("m"))
	require.NotNil(t, part)
}

func TestPartitionerSplitRangeCreatesNewHighPartition(t *testing.T) {
	p := New(StrategyRange, 1, 0, 2)
	before := p.Map()
	var pid uint64
	var part *model.Partition
	for id, pt := range before.Partitions {
		if pt.Range.Contains("n") {
			pid, part = id, pt
			break
		}
	}
	require.NotNil(t, part)

	next, err := p.SplitRange(pid, "n", "new-owner")
	require.NoError(t, err)
	require.Greater(t, next.Epoch, before.Epoch)
	require.Len(t, next.Partitions, len(before.Partitions)+1)

	low := next.Partitions[pid]
	require.Equal(t, "n", low.Range.High)

	var high *model.Partition
	for id, pt := range next.Partitions {
		if id != pid && pt.Range.Low == "n" {
			high = pt
		}
	}
	require.NotNil(t, high)
	require.Equal(t, "new-owner", high.Owner)
}

func TestPartitionerSplitRangeRejectsHashStrategy(t *testing.T) {
	p := New(StrategyHash, 1, 4, 0)
	_, err := p.SplitRange(0, "x", "n1")
	require.Error(t, err)
}

func TestPartitionerMergeRangeJoinsContiguousPartitions(t *testing.T) {
	p := New(StrategyRange, 1, 0, 2)
	before := p.Map()
	var pids []uint64
	for id := range before.Partitions {
		pids = append(pids, id)
	}
	require.Len(t, pids, 2)

	next, err := p.MergeRange(pids[0], pids[1])
	require.NoError(t, err)
	require.Greater(t, next.Epoch, before.Epoch)
	require.Len(t, next.Partitions, 1)
}

func TestPartitionerMergeRangeRejectsNonContiguous(t *testing.T) {
	p := New(StrategyRange, 1, 0, 4)
	before := p.Map()
	var lowestPID uint64
	found := false
	for id, pt := range before.Partitions {
		if !found || pt.Range.Low < before.Partitions[lowestPID].Range.Low {
			lowestPID, found = id, true
		}
	}
	require.True(t, found)

	_, err := p.SplitRange(lowestPID, string([]byte{32}), "new-owner")
	require.NoError(t, err)

	_, err = p.MergeRange(lowestPID, lowestPID+2)
	require.Error(t, err)
}

func TestPartitionerRebalanceHashBumpsEpochAndKeepsNodeCount(t *testing.T) {
	p := New(StrategyHash, 2, 8, 0)
	p.AddNode("n1")
	p.AddNode("n2")
	before := p.Map().Epoch

	next := p.Rebalance([]string{"n1", "n2"})
	require.Greater(t, next.Epoch, before)
	require.Equal(t, 2, p.ring.NodeCount())
}

func TestPartitionerRebalanceRangeRoundRobinsOwnership(t *testing.T) {
	p := New(StrategyRange, 1, 0, 4)
	before := p.Map().Epoch

	next := p.Rebalance([]string{"n1", "n2"})
	require.Greater(t, next.Epoch, before)
	owners := make(map[string]bool)
	for _, part := range next.Partitions {
		owners[part.Owner] = true
	}
	require.Subset(t, []string{"n1", "n2"}, keys(owners))
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
