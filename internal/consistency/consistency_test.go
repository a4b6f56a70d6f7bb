package consistency

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/crdt"
	"github.com/devrev/pairdb-core/internal/model"
)

func TestLWWResolverPicksHigherLamport(t *testing.T) {
	r := New(ModeLWW)
	local := model.Record{Key: "k", Value: []byte("old"), Meta: model.Meta{LamportTS: 1}}
	incoming := model.Record{Key: "k", Value: []byte("new"), Meta: model.Meta{LamportTS: 2}}
	require.Equal(t, incoming, r.Resolve(local, incoming))
	require.Equal(t, incoming, r.Resolve(incoming, local))
}

func TestVectorResolverBeforeAfter(t *testing.T) {
	r := New(ModeVector)
	local := model.Record{Key: "k", Meta: model.Meta{Vector: map[string]uint64{"n1": 1}}}
	incoming := model.Record{Key: "k", Meta: model.Meta{Vector: map[string]uint64{"n1": 2}}}
	require.Equal(t, incoming, r.Resolve(local, incoming))
}

// A record that never passed through a vector-stamping write path (both
// sides carry no Meta.Vector at all) must not resolve via the vacuous
// Compare(nil, nil) == Identical result, which would always keep
// incoming regardless of actual write order. It should fall back to the
// Lamport tie-break instead.
func TestVectorResolverFallsBackToLWWWithoutVectors(t *testing.T) {
	r := New(ModeVector)
	newer := model.Record{Key: "k", Value: []byte("newer"), Meta: model.Meta{LamportTS: 9}}
	older := model.Record{Key: "k", Value: []byte("older"), Meta: model.Meta{LamportTS: 1}}
	require.Equal(t, newer, r.Resolve(newer, older), "with no vectors on either side, the higher Lamport timestamp must still win")
}

func TestCRDTResolverMergesGCounters(t *testing.T) {
	g1 := crdt.NewGCounter("n1")
	g1.Apply(3)
	v1, err := EncodeGCounter(g1)
	require.NoError(t, err)

	g2 := crdt.NewGCounter("n2")
	g2.Apply(5)
	v2, err := EncodeGCounter(g2)
	require.NoError(t, err)

	r := New(ModeCRDT)
	local := model.Record{Key: "k", Value: v1, Meta: model.Meta{LamportTS: 1}}
	incoming := model.Record{Key: "k", Value: v2, Meta: model.Meta{LamportTS: 2}}
	merged := r.Resolve(local, incoming)

	decoded, err := MergeValues(merged.Value, merged.Value)
	require.NoError(t, err)
	require.Equal(t, merged.Value, decoded) // idempotent: merging with self is a no-op
}

func TestCRDTResolverFallsBackToLWWOnBareValue(t *testing.T) {
	r := New(ModeCRDT)
	local := model.Record{Key: "k", Value: []byte("not json"), Meta: model.Meta{LamportTS: 1}}
	incoming := model.Record{Key: "k", Value: []byte("also not json"), Meta: model.Meta{LamportTS: 2}}
	require.Equal(t, incoming, r.Resolve(local, incoming))
}
