package admin

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/ring"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[model.Key]model.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[model.Key]model.Record)}
}

func (s *fakeStore) RangeScan(low, high string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Record
	for _, r := range s.data {
		pk := string(r.Key)
		if pk < low {
			continue
		}
		if high != "" && pk >= high {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Put(r model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[r.Key] = r
	return nil
}

type fakeMover struct {
	mu       sync.Mutex
	received map[string][]model.Record
}

func newFakeMover() *fakeMover {
	return &fakeMover{received: make(map[string][]model.Record)}
}

func (m *fakeMover) WriteReplica(ctx context.Context, nodeID string, r model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[nodeID] = append(m.received[nodeID], r)
	return nil
}

type fakeRegistry struct {
	mu   sync.Mutex
	addr map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{addr: make(map[string]string)}
}

func (r *fakeRegistry) SetAddr(nodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr[nodeID] = addr
}

func TestAddNodeRegistersAddrAndTriggersRebuild(t *testing.T) {
	p := ring.New(ring.StrategyHash, 2, 8, 0)
	store, mover, reg := newFakeStore(), newFakeMover(), newFakeRegistry()
	a := New(p, store, mover, reg, zap.NewNop())

	before := p.Map().Epoch
	m := a.AddNode("n1", "127.0.0.1:7300")
	require.Greater(t, m.Epoch, before)
	require.Equal(t, "127.0.0.1:7300", reg.addr["n1"])
}

func TestSplitPartitionMigratesHighHalf(t *testing.T) {
	p := ring.New(ring.StrategyRange, 1, 0, 2)
	store, mover, reg := newFakeStore(), newFakeMover(), newFakeRegistry()
	require.NoError(t, store.Put(model.Record{Key: "n", Value: []byte("1")}))
	require.NoError(t, store.Put(model.Record{Key: "z", Value: []byte("2")}))
	a := New(p, store, mover, reg, zap.NewNop())

	_, err := a.SplitPartition(context.Background(), 0, "m", "n2")
	require.NoError(t, err)

	require.Len(t, mover.received["n2"], 2, "keys n and z should both migrate past split key m")
}

func TestMergePartitionsRequiresContiguity(t *testing.T) {
	p := ring.New(ring.StrategyRange, 1, 0, 4)
	a := New(p, newFakeStore(), newFakeMover(), newFakeRegistry(), zap.NewNop())

	_, err := a.MergePartitions(0, 2)
	require.Error(t, err)

	_, err = a.MergePartitions(0, 1)
	require.NoError(t, err)
	require.Len(t, p.Map().Partitions, 3)
}

func TestMarkHotKeyMigratesBareKeyToBucketZero(t *testing.T) {
	p := ring.New(ring.StrategyHash, 1, 8, 0)
	store := newFakeStore()
	require.NoError(t, store.Put(model.Record{Key: "celebrity", Value: []byte("v")}))
	a := New(p, store, newFakeMover(), newFakeRegistry(), zap.NewNop())

	require.NoError(t, a.MarkHotKey("celebrity", 4, true))

	buckets, ok := a.SaltSpec("celebrity")
	require.True(t, ok)
	require.Equal(t, 4, buckets)

	rec, found := store.data[SaltedKey("celebrity", 0)]
	require.True(t, found)
	require.Equal(t, []byte("v"), rec.Value)
}

func TestCheckHotPartitionsReportsOverThreshold(t *testing.T) {
	p := ring.New(ring.StrategyRange, 1, 0, 1)
	store := newFakeStore()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(model.Record{Key: model.Key(k), Value: []byte("v")}))
	}
	a := New(p, store, newFakeMover(), newFakeRegistry(), zap.NewNop())

	hot, err := a.CheckHotPartitions(2, 2)
	require.NoError(t, err)
	require.Len(t, hot, 1)
	require.Equal(t, 3, hot[0].KeyCount)
}
