package antientropy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/consistency"
	"github.com/devrev/pairdb-core/internal/crdt"
	"github.com/devrev/pairdb-core/internal/model"
)

type fakeLocalStore struct {
	data map[model.Key]model.Record
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{data: map[model.Key]model.Record{}}
}

func (s *fakeLocalStore) RangeScanWithTombstones(low, high string) ([]model.Record, error) {
	out := make([]model.Record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeLocalStore) Put(r model.Record) error {
	s.data[r.Key] = r
	return nil
}

type fakePeerSync struct {
	roots   []Hash
	segment []model.Record
}

func (p *fakePeerSync) FetchSegmentRoots(ctx context.Context, nodeID string, segs []Segment) ([]Hash, error) {
	return p.roots, nil
}

func (p *fakePeerSync) FetchSegment(ctx context.Context, nodeID string, seg Segment) ([]model.Record, error) {
	return p.segment, nil
}

func encodeCounter(t *testing.T, replica string, amount uint64) []byte {
	t.Helper()
	c := crdt.NewGCounter(replica)
	c.Apply(amount)
	v, err := consistency.EncodeGCounter(c)
	require.NoError(t, err)
	return v
}

// A repair under consistency_mode=crdt must join both replicas' G-Counter
// state instead of picking one side under LWW, or a concurrent increment
// on the peer would be silently dropped.
func TestRepairSegmentJoinsCRDTStateInsteadOfPickingOneSide(t *testing.T) {
	store := newFakeLocalStore()
	local := model.Record{Key: "views", Value: encodeCounter(t, "n1", 3), Meta: model.Meta{LamportTS: 5, OriginNode: "n1"}}
	store.data["views"] = local

	remote := model.Record{Key: "views", Value: encodeCounter(t, "n2", 4), Meta: model.Meta{LamportTS: 3, OriginNode: "n2"}}
	peers := &fakePeerSync{segment: []model.Record{remote}}

	r := New(Config{Resolver: consistency.New(consistency.ModeCRDT)}, store, peers, nil)

	err := r.repairSegment(context.Background(), "peer", Segment{Low: "", High: ""})
	require.NoError(t, err)

	merged, err := consistency.MergeValues(local.Value, remote.Value)
	require.NoError(t, err)
	require.Equal(t, merged, store.data["views"].Value, "repair must store the joined counter state, not just the LWW winner's bytes")
}

// A delete must still reach a peer that missed it: the local side holds
// the pre-delete value, the remote side already applied the tombstone,
// and repair must resolve to the tombstone rather than treating the
// remote's "empty" value as absent from the scan.
func TestRepairSegmentAppliesRemoteTombstone(t *testing.T) {
	store := newFakeLocalStore()
	store.data["k"] = model.Record{Key: "k", Value: []byte("v"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}

	tombstone := model.Record{Key: "k", Meta: model.Meta{LamportTS: 2, OriginNode: "n2", IsTombstone: true}}
	peers := &fakePeerSync{segment: []model.Record{tombstone}}
	r := New(Config{}, store, peers, nil)

	require.NoError(t, r.repairSegment(context.Background(), "peer", Segment{}))
	require.True(t, store.data["k"].Meta.IsTombstone, "the peer's delete must overwrite the local pre-delete value")
}

func TestRepairSegmentSkipsAlreadyConvergedKeys(t *testing.T) {
	store := newFakeLocalStore()
	rec := model.Record{Key: "k", Value: []byte("v"), Meta: model.Meta{LamportTS: 5, OriginNode: "n1"}}
	store.data["k"] = rec

	peers := &fakePeerSync{segment: []model.Record{rec}}
	r := New(Config{}, store, peers, nil)

	require.NoError(t, r.repairSegment(context.Background(), "peer", Segment{}))
	require.Equal(t, rec, store.data["k"])
}
