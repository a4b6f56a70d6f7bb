package antientropy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb-core/internal/model"
)

func TestRootEmptyIsStable(t *testing.T) {
	require.Equal(t, emptyRoot, Root(nil))
	require.Equal(t, Root(nil), Root([]model.Record{}))
}

func TestRootOrderIndependent(t *testing.T) {
	a := []model.Record{{Key: "b", Value: []byte("2")}, {Key: "a", Value: []byte("1")}}
	b := []model.Record{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}
	require.Equal(t, Root(a), Root(b))
}

func TestRootChangesWithValue(t *testing.T) {
	a := []model.Record{{Key: "a", Value: []byte("1")}}
	b := []model.Record{{Key: "a", Value: []byte("2")}}
	require.NotEqual(t, Root(a), Root(b))
}

func TestRootChangesWithLamportTSEvenIfValueMatches(t *testing.T) {
	a := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}}
	b := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{LamportTS: 2, OriginNode: "n1"}}}
	require.NotEqual(t, Root(a), Root(b), "two replicas holding the same bytes at different Lamport timestamps must diverge")
}

func TestRootChangesWithOriginEvenIfValueMatches(t *testing.T) {
	a := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{LamportTS: 1, OriginNode: "n1"}}}
	b := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{LamportTS: 1, OriginNode: "n2"}}}
	require.NotEqual(t, Root(a), Root(b))
}

func TestRootChangesWithTombstoneEvenIfValueMatches(t *testing.T) {
	a := []model.Record{{Key: "a", Value: []byte("1")}}
	b := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{IsTombstone: true}}}
	require.NotEqual(t, Root(a), Root(b))
}

func TestSegmentRootsAndDiff(t *testing.T) {
	segs := Segments(4)
	local := []model.Record{
		{Key: "aaa", Value: []byte("1")},
		{Key: "mmm", Value: []byte("2")},
	}
	remote := []model.Record{
		{Key: "aaa", Value: []byte("1")},
		{Key: "mmm", Value: []byte("DIFFERENT")},
	}
	localRoots := SegmentRoots(local, segs)
	remoteRoots := SegmentRoots(remote, segs)
	mismatched := Diff(localRoots, remoteRoots)
	require.NotEmpty(t, mismatched)

	identical := Diff(localRoots, localRoots)
	require.Empty(t, identical)
}

func TestSegmentsCoverFullKeyspace(t *testing.T) {
	segs := Segments(4)
	require.Equal(t, "", segs[len(segs)-1].High)
	require.True(t, segs[1].contains("aaa"))
	require.True(t, segs[len(segs)-1].contains(model.Key(string([]byte{0xff}))))
}
