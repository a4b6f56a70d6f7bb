package quorum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

type fakeClient struct {
	mu    sync.Mutex
	data  map[string]map[model.Key]model.Record
	down  map[string]bool
	writes []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]map[model.Key]model.Record{}, down: map[string]bool{}}
}

func (f *fakeClient) WriteReplica(ctx context.Context, nodeID string, r model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return errors.Timeout("down")
	}
	if f.data[nodeID] == nil {
		f.data[nodeID] = map[model.Key]model.Record{}
	}
	f.data[nodeID][r.Key] = r
	f.writes = append(f.writes, nodeID)
	return nil
}

func (f *fakeClient) ReadReplica(ctx context.Context, nodeID string, key model.Key) (model.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return model.Record{}, false, errors.Timeout("down")
	}
	r, ok := f.data[nodeID][key]
	return r, ok, nil
}

type allLive struct{}

func (allLive) IsLive(string) bool { return true }

func (allLive) Members() []*model.Node { return nil }

type noHints struct{}

func (noHints) Stash(string, model.Record) error { return nil }

func TestWriteQuorumSucceedsWithMajority(t *testing.T) {
	c := newFakeClient()
	coord := New(Config{Client: c, Liveness: allLive{}, Hints: noHints{}, WriteQuorum: 2, ReadQuorum: 2})

	err := coord.Write(context.Background(), []string{"n1", "n2", "n3"},
		model.Record{Key: "k", Value: []byte("v"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}, LevelQuorum)
	require.NoError(t, err)
}

func TestReadReturnsDominatingRecordAndRepairs(t *testing.T) {
	c := newFakeClient()
	c.data["n1"] = map[model.Key]model.Record{"k": {Key: "k", Value: []byte("new"), Meta: model.Meta{LamportTS: 5, OriginNode: "n1"}}}
	c.data["n2"] = map[model.Key]model.Record{"k": {Key: "k", Value: []byte("old"), Meta: model.Meta{LamportTS: 1, OriginNode: "n2"}}}

	coord := New(Config{Client: c, Liveness: allLive{}, Hints: noHints{}, WriteQuorum: 2, ReadQuorum: 2})
	rec, ok, err := coord.Read(context.Background(), []string{"n1", "n2"}, "k", LevelQuorum)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), rec.Value)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return string(c.data["n2"]["k"].Value) == "new"
	}, 500*time.Millisecond, 10*time.Millisecond)
}

// sumResolver concatenates both values as a fake "merge",
// standing in for a CRDT join: a hardcoded Dominates fold would pick one
// side outright, while this resolver combines both, so a test can tell
// whether Read actually consults the injected Resolver.
type sumResolver struct{}

func (sumResolver) Resolve(local, incoming model.Record) model.Record {
	merged := local
	merged.Value = append(append([]byte{}, local.Value...), incoming.Value...)
	if incoming.Meta.LamportTS > merged.Meta.LamportTS {
		merged.Meta = incoming.Meta
	}
	return merged
}

func TestReadFoldsThroughConfiguredResolver(t *testing.T) {
	c := newFakeClient()
	c.data["n1"] = map[model.Key]model.Record{"k": {Key: "k", Value: []byte("a"), Meta: model.Meta{LamportTS: 5, OriginNode: "n1"}}}
	c.data["n2"] = map[model.Key]model.Record{"k": {Key: "k", Value: []byte("b"), Meta: model.Meta{LamportTS: 1, OriginNode: "n2"}}}

	coord := New(Config{Client: c, Liveness: allLive{}, Hints: noHints{}, Resolver: sumResolver{}, WriteQuorum: 2, ReadQuorum: 2})
	rec, ok, err := coord.Read(context.Background(), []string{"n1", "n2"}, "k", LevelQuorum)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Value, 2, "a plain LWW fold would keep only one side's single-byte value")
}

func TestWriteStashesHintForDeadReplica(t *testing.T) {
	c := newFakeClient()
	c.down["n2"] = true
	stashed := 0
	var mu sync.Mutex
	hints := hintFunc(func(nodeID string, r model.Record) error {
		mu.Lock()
		stashed++
		mu.Unlock()
		return nil
	})

	liveness := liveFunc(func(nodeID string) bool { return nodeID != "n2" })

	coord := New(Config{Client: c, Liveness: liveness, Hints: hints, WriteQuorum: 1, ReadQuorum: 1})
	err := coord.Write(context.Background(), []string{"n1", "n2"},
		model.Record{Key: "k", Value: []byte("v"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}, LevelOne)
	require.NoError(t, err)
	require.Equal(t, 1, stashed)
}

type hintFunc func(nodeID string, r model.Record) error

func (f hintFunc) Stash(nodeID string, r model.Record) error { return f(nodeID, r) }

type liveFunc func(nodeID string) bool

func (f liveFunc) IsLive(nodeID string) bool { return f(nodeID) }

func (f liveFunc) Members() []*model.Node { return nil }

// fakeMembership reports IsLive from a status map and Members from the
// same map, letting a test simulate a Live non-preferred peer available
// as a sloppy-quorum stand-in.
type fakeMembership map[string]model.NodeStatus

func (f fakeMembership) IsLive(nodeID string) bool {
	return f[nodeID] == model.StatusLive
}

func (f fakeMembership) Members() []*model.Node {
	out := make([]*model.Node, 0, len(f))
	for id, status := range f {
		out = append(out, &model.Node{ID: id, Status: status})
	}
	return out
}

func TestWriteSubstitutesLiveNonPreferredPeerForDeadReplica(t *testing.T) {
	c := newFakeClient()
	c.down["n2"] = true
	membership := fakeMembership{
		"n1": model.StatusLive,
		"n2": model.StatusDead,
		"n3": model.StatusLive, // not preferred, available as a sloppy-quorum stand-in
	}

	coord := New(Config{Client: c, Liveness: membership, Hints: noHints{}, WriteQuorum: 2, ReadQuorum: 2})
	err := coord.Write(context.Background(), []string{"n1", "n2"},
		model.Record{Key: "k", Value: []byte("v"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}, LevelQuorum)
	require.NoError(t, err, "n3 standing in for dead n2 should let the write reach W=2 acks")

	c.mu.Lock()
	_, wroteToStandin := c.data["n3"]["k"]
	c.mu.Unlock()
	require.True(t, wroteToStandin, "the stand-in peer must actually receive the write")
}
