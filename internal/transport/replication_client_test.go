package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/replication"
)

// fakeStore stands in for the node's store; like the engine's dedup gate,
// it admits each record into log (when set) before applying it.
type fakeStore struct {
	put []model.Record
	log *replication.Log
}

func (s *fakeStore) Put(r model.Record) error {
	if s.log != nil && !s.log.Admit(r) {
		return nil
	}
	s.put = append(s.put, r)
	return nil
}

func TestHandleReplicateBatchAppliesOpsAndReturnsLastSeen(t *testing.T) {
	log, err := replication.Open(replication.Config{
		LogPath:      t.TempDir() + "/replication_log.json",
		LastSeenPath: t.TempDir() + "/last_seen.json",
	}, "n1", zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	store := &fakeStore{log: log}
	batch := []model.Record{{Key: "a", Value: []byte("1"), Meta: model.Meta{OriginNode: "n2", OriginSeq: 1}}}
	payload, err := json.Marshal(replicateRequest{Batch: batch})
	require.NoError(t, err)

	respPayload := HandleReplicateBatch(store, log, payload)
	require.Len(t, store.put, 1)
	require.Equal(t, model.Key("a"), store.put[0].Key)

	var resp replicateResponse
	require.NoError(t, json.Unmarshal(respPayload, &resp))
	require.Equal(t, uint64(1), resp.LastSeen["n2"])
}

func TestHandleFetchUpdatesReturnsOpsPastRequesterVector(t *testing.T) {
	log, err := replication.Open(replication.Config{
		LogPath:      t.TempDir() + "/replication_log.json",
		LastSeenPath: t.TempDir() + "/last_seen.json",
	}, "n1", zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	require.True(t, log.Admit(model.Record{Key: "a", Meta: model.Meta{OriginNode: "n2", OriginSeq: 1}}))
	require.True(t, log.Admit(model.Record{Key: "b", Meta: model.Meta{OriginNode: "n2", OriginSeq: 2}}))

	payload, err := json.Marshal(fetchUpdatesRequest{LastSeen: map[string]uint64{"n2": 1}})
	require.NoError(t, err)

	respPayload := HandleFetchUpdates(log, payload)
	var resp fetchUpdatesResponse
	require.NoError(t, json.Unmarshal(respPayload, &resp))
	require.Len(t, resp.Records, 1)
	require.Equal(t, model.Key("b"), resp.Records[0].Key)
}
