package hintedhandoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    map[string]bool
	written []model.Record
}

func (w *fakeWriter) DeliverHint(ctx context.Context, nodeID string, r model.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[nodeID] {
		return context.DeadlineExceeded
	}
	w.written = append(w.written, r)
	return nil
}

type alwaysLive struct{}

func (alwaysLive) IsLive(string) bool { return true }

func TestStashPersistsAndReplaysOnNextTick(t *testing.T) {
	dir := t.TempDir()
	w := &fakeWriter{fail: map[string]bool{}}
	q, err := Open(Config{Dir: dir, ReplayInterval: 20 * time.Millisecond}, w, alwaysLive{}, zap.NewNop())
	require.NoError(t, err)
	defer q.Close()

	rec := model.Record{Key: "k1", Value: []byte("v1")}
	require.NoError(t, q.Stash("n2", rec))
	require.Equal(t, 1, q.Count("n2"))

	require.Eventually(t, func() bool {
		return q.Count("n2") == 0
	}, time.Second, 10*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.written, 1)
	require.Equal(t, model.Key("k1"), w.written[0].Key)
}

func TestStashCapsQueueLength(t *testing.T) {
	dir := t.TempDir()
	w := &fakeWriter{fail: map[string]bool{"n2": true}}
	q, err := Open(Config{Dir: dir, MaxPerNode: 2, ReplayInterval: time.Hour}, w, alwaysLive{}, zap.NewNop())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Stash("n2", model.Record{Key: "a"}))
	require.NoError(t, q.Stash("n2", model.Record{Key: "b"}))
	require.NoError(t, q.Stash("n2", model.Record{Key: "c"}))
	require.Equal(t, 2, q.Count("n2"))
}

func TestReopenReloadsPersistedHints(t *testing.T) {
	dir := t.TempDir()
	w := &fakeWriter{fail: map[string]bool{"n2": true}}
	q, err := Open(Config{Dir: dir, ReplayInterval: time.Hour}, w, alwaysLive{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, q.Stash("n2", model.Record{Key: "k1"}))
	q.Close()

	q2, err := Open(Config{Dir: dir, ReplayInterval: time.Hour}, w, alwaysLive{}, zap.NewNop())
	require.NoError(t, err)
	defer q2.Close()
	require.Equal(t, 1, q2.Count("n2"))
}

func TestClearNodeDropsQueue(t *testing.T) {
	dir := t.TempDir()
	w := &fakeWriter{fail: map[string]bool{"n2": true}}
	q, err := Open(Config{Dir: dir, ReplayInterval: time.Hour}, w, alwaysLive{}, zap.NewNop())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Stash("n2", model.Record{Key: "k1"}))
	q.ClearNode("n2")
	require.Equal(t, 0, q.Count("n2"))
}
