package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

func testConfig(dir string) Config {
	return Config{
		LogPath:      dir + "/replication_log.json",
		LastSeenPath: dir + "/last_seen.json",
		MaxBatchSize: 16,
		SendInterval: time.Hour,
	}
}

func TestAdmitIsIdempotentUnderRedelivery(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	rec := model.Record{Key: "a", Value: []byte("1"), Meta: model.Meta{OriginNode: "n2", OriginSeq: 1}}
	require.True(t, l.Admit(rec))
	require.False(t, l.Admit(rec)) // redelivery of the same op is a no-op
	require.Equal(t, uint64(1), l.Snapshot()["n2"])
}

func TestAdmitEnforcesPerOriginOrdering(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	newer := model.Record{Key: "a", Value: []byte("2"), Meta: model.Meta{OriginNode: "n2", OriginSeq: 2}}
	older := model.Record{Key: "a", Value: []byte("1"), Meta: model.Meta{OriginNode: "n2", OriginSeq: 1}}
	require.True(t, l.Admit(newer))
	require.False(t, l.Admit(older)) // a stale seq after a newer one is discarded, not re-applied
	require.Equal(t, uint64(2), l.Snapshot()["n2"])
}

func TestOriginateAssignsMonotonicSeq(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	r1 := l.Originate(model.Record{Key: "a"})
	r2 := l.Originate(model.Record{Key: "b"})
	require.Equal(t, "n1", r1.Meta.OriginNode)
	require.Equal(t, uint64(1), r1.Meta.OriginSeq)
	require.Equal(t, uint64(2), r2.Meta.OriginSeq)
}

func TestFetchUpdatesReturnsOpsNotDominatedByRequester(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	require.True(t, l.Admit(model.Record{Key: "a", Meta: model.Meta{OriginNode: "n2", OriginSeq: 1}}))
	require.True(t, l.Admit(model.Record{Key: "b", Meta: model.Meta{OriginNode: "n2", OriginSeq: 2}}))
	require.True(t, l.Admit(model.Record{Key: "c", Meta: model.Meta{OriginNode: "n3", OriginSeq: 1}}))

	updates := l.FetchUpdates(map[string]uint64{"n2": 1})
	require.Len(t, updates, 2)
	require.Equal(t, model.Key("b"), updates[0].Key) // ordered by (origin, seq): n2 < n3
	require.Equal(t, model.Key("c"), updates[1].Key)
}

func TestReopenReloadsPersistedLogAndLastSeen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testConfig(dir), "n1", zap.NewNop())
	require.NoError(t, err)
	require.True(t, l.Admit(model.Record{Key: "a", Meta: model.Meta{OriginNode: "n2", OriginSeq: 5}}))
	l.Close()

	l2, err := Open(testConfig(dir), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(5), l2.Snapshot()["n2"])
	require.False(t, l2.Admit(model.Record{Key: "a", Meta: model.Meta{OriginNode: "n2", OriginSeq: 5}}))
}

type fakeReplicationClient struct {
	mu  sync.Mutex
	acks map[string]uint64
	got  map[string][]model.Record
}

func (f *fakeReplicationClient) Replicate(ctx context.Context, nodeID string, batch []model.Record) (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = map[string][]model.Record{}
	}
	f.got[nodeID] = append(f.got[nodeID], batch...)
	return f.acks, nil
}

func (f *fakeReplicationClient) FetchUpdates(ctx context.Context, nodeID string, lastSeen map[string]uint64) ([]model.Record, error) {
	return nil, nil
}

type fakeApplier struct{}

func (fakeApplier) Put(model.Record) error { return nil }

func TestRunSenderPushesUnackedOpsAndAdvancesCursor(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	rec := l.Originate(model.Record{Key: "a", Value: []byte("1")})
	require.True(t, l.Admit(rec))

	client := &fakeReplicationClient{acks: map[string]uint64{"n1": 1}}
	l.SetClient(client)

	l.sendTo("n2")

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.got["n2"], 1)
	require.Equal(t, model.Key("a"), client.got["n2"][0].Key)
}

func TestTruncateDropsOpsAckedByEveryPeer(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	rec := l.Originate(model.Record{Key: "a"})
	require.True(t, l.Admit(rec))
	require.Len(t, l.ops, 1)

	l.advanceCursor("n2", map[string]uint64{"n1": 1})
	l.advanceCursor("n3", map[string]uint64{"n1": 1})
	l.truncate()

	require.Empty(t, l.ops)
}

func TestTruncateKeepsOpsUntilEveryKnownPeerHasAcked(t *testing.T) {
	l, err := Open(testConfig(t.TempDir()), "n1", zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	rec := l.Originate(model.Record{Key: "a"})
	require.True(t, l.Admit(rec))

	l.advanceCursor("n2", map[string]uint64{"n1": 1})
	l.advanceCursor("n3", map[string]uint64{}) // n3 hasn't acked anything yet
	l.truncate()

	require.Len(t, l.ops, 1)
}
