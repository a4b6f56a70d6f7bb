package transport

import (
	"context"
	"encoding/json"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/replication"
	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// ReplicationRPC adapts a Pool of peer connections to
// internal/replication's ReplicationClient interface, mirroring
// ReplicaRPC/MerkleRPC's shape.
type ReplicationRPC struct {
	pool *Pool
}

func NewReplicationRPC(pool *Pool) *ReplicationRPC {
	return &ReplicationRPC{pool: pool}
}

type replicateRequest struct {
	Batch []model.Record `json:"batch"`
}

type replicateResponse struct {
	LastSeen map[string]uint64 `json:"last_seen"`
}

type fetchUpdatesRequest struct {
	LastSeen map[string]uint64 `json:"last_seen"`
}

type fetchUpdatesResponse struct {
	Records []model.Record `json:"records"`
}

func (r *ReplicationRPC) Replicate(ctx context.Context, nodeID string, batch []model.Record) (map[string]uint64, error) {
	c := r.pool.Client(nodeID)
	if c == nil {
		return nil, errors.Timeout("no connection registered for " + nodeID)
	}
	payload, err := json.Marshal(replicateRequest{Batch: batch})
	if err != nil {
		return nil, err
	}
	respPayload, err := c.Send(wire.KindReplicateBatch, payload)
	if err != nil {
		return nil, err
	}
	var resp replicateResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, errors.CorruptData("failed to decode replicate batch response", err)
	}
	return resp.LastSeen, nil
}

func (r *ReplicationRPC) FetchUpdates(ctx context.Context, nodeID string, lastSeen map[string]uint64) ([]model.Record, error) {
	c := r.pool.Client(nodeID)
	if c == nil {
		return nil, errors.Timeout("no connection registered for " + nodeID)
	}
	payload, err := json.Marshal(fetchUpdatesRequest{LastSeen: lastSeen})
	if err != nil {
		return nil, err
	}
	respPayload, err := c.Send(wire.KindFetchUpdates, payload)
	if err != nil {
		return nil, err
	}
	var resp fetchUpdatesResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, errors.CorruptData("failed to decode fetch updates response", err)
	}
	return resp.Records, nil
}

// HandleReplicateBatch applies every op in a pushed batch through store
// — store.Put's own dedup gate makes a redelivered op a no-op — and
// returns the receiver's resulting last_seen vector so the sender can
// advance its per-peer cursor.
func HandleReplicateBatch(store interface {
	Put(model.Record) error
}, log *replication.Log, payload []byte) []byte {
	var req replicateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	for _, rec := range req.Batch {
		_ = store.Put(rec)
	}
	resp, _ := json.Marshal(replicateResponse{LastSeen: log.Snapshot()})
	return resp
}

// HandleFetchUpdates returns every locally known op not dominated by the
// requester's last_seen vector, ordered by (origin, seq) — used on
// restart and as a periodic anti-entropy pull.
func HandleFetchUpdates(log *replication.Log, payload []byte) []byte {
	var req fetchUpdatesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	resp, _ := json.Marshal(fetchUpdatesResponse{Records: log.FetchUpdates(req.LastSeen)})
	return resp
}
