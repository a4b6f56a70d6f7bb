package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// ReplicaRPC adapts a Pool of peer connections to internal/quorum's
// ReplicaClient interface, JSON-encoding model.Record across the wire
// frame.
type ReplicaRPC struct {
	pool *Pool
}

func NewReplicaRPC(pool *Pool) *ReplicaRPC {
	return &ReplicaRPC{pool: pool}
}

type writeRequest struct {
	Record model.Record `json:"record"`
}

type readRequest struct {
	Key model.Key `json:"key"`
}

type readResponse struct {
	Record model.Record `json:"record"`
	Found  bool         `json:"found"`
}

func (r *ReplicaRPC) WriteReplica(ctx context.Context, nodeID string, rec model.Record) error {
	c := r.pool.Client(nodeID)
	if c == nil {
		return errors.Timeout(fmt.Sprintf("no connection registered for %s", nodeID))
	}
	payload, err := json.Marshal(writeRequest{Record: rec})
	if err != nil {
		return err
	}
	_, err = c.Send(wire.KindReplicaWrite, payload)
	return err
}

// DeliverHint satisfies internal/hintedhandoff's Writer interface,
// replaying a stashed write under its own wire kind so a hint delivery
// is distinguishable on the wire from a fresh quorum write.
func (r *ReplicaRPC) DeliverHint(ctx context.Context, nodeID string, rec model.Record) error {
	c := r.pool.Client(nodeID)
	if c == nil {
		return errors.Timeout(fmt.Sprintf("no connection registered for %s", nodeID))
	}
	payload, err := json.Marshal(writeRequest{Record: rec})
	if err != nil {
		return err
	}
	_, err = c.Send(wire.KindHintDeliver, payload)
	return err
}

func (r *ReplicaRPC) ReadReplica(ctx context.Context, nodeID string, key model.Key) (model.Record, bool, error) {
	c := r.pool.Client(nodeID)
	if c == nil {
		return model.Record{}, false, errors.Timeout(fmt.Sprintf("no connection registered for %s", nodeID))
	}
	payload, err := json.Marshal(readRequest{Key: key})
	if err != nil {
		return model.Record{}, false, err
	}
	respPayload, err := c.Send(wire.KindReplicaRead, payload)
	if err != nil {
		return model.Record{}, false, err
	}
	var resp readResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return model.Record{}, false, errors.CorruptData("failed to decode replica read response", err)
	}
	return resp.Record, resp.Found, nil
}

// HandleReplicaWrite/HandleReplicaRead decode a server-side frame payload
// and invoke store, returning the encoded response payload. node.go wires
// these into the Server's dispatch table alongside the other wire.Kind
// handlers (replicate batch, hint deliver, merkle exchange, admin).
func HandleReplicaWrite(store interface {
	Put(model.Record) error
}, payload []byte) []byte {
	var req writeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	_ = store.Put(req.Record)
	return []byte("ok")
}

// HandleHintDeliver is the server-side counterpart of DeliverHint. It
// shares HandleReplicaWrite's decode-and-apply behavior — a hint is just
// a write whose delivery was deferred — kept as its own handler so the
// wire kind stays distinguishable for future per-path metrics.
func HandleHintDeliver(store interface {
	Put(model.Record) error
}, payload []byte) []byte {
	return HandleReplicaWrite(store, payload)
}

func HandleReplicaRead(store interface {
	Get(model.Key) (model.Record, bool, error)
}, payload []byte) []byte {
	var req readRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	rec, found, _ := store.Get(req.Key)
	resp, _ := json.Marshal(readResponse{Record: rec, Found: found})
	return resp
}
