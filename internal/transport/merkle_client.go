package transport

import (
	"context"
	"encoding/json"

	"github.com/devrev/pairdb-core/internal/antientropy"
	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// MerkleRPC adapts a Pool of peer connections to internal/antientropy's
// PeerSync interface.
type MerkleRPC struct {
	pool *Pool
}

func NewMerkleRPC(pool *Pool) *MerkleRPC {
	return &MerkleRPC{pool: pool}
}

type rootsRequest struct {
	Segments []antientropy.Segment `json:"segments"`
}

type rootsResponse struct {
	Roots []antientropy.Hash `json:"roots"`
}

type segmentRequest struct {
	Segment antientropy.Segment `json:"segment"`
}

type segmentResponse struct {
	Records []model.Record `json:"records"`
}

func (m *MerkleRPC) FetchSegmentRoots(ctx context.Context, nodeID string, segs []antientropy.Segment) ([]antientropy.Hash, error) {
	c := m.pool.Client(nodeID)
	if c == nil {
		return nil, errors.Timeout("no connection registered for " + nodeID)
	}
	payload, err := json.Marshal(rootsRequest{Segments: segs})
	if err != nil {
		return nil, err
	}
	respPayload, err := c.Send(wire.KindMerkleRoot, payload)
	if err != nil {
		return nil, err
	}
	var resp rootsResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, errors.CorruptData("failed to decode merkle root response", err)
	}
	return resp.Roots, nil
}

func (m *MerkleRPC) FetchSegment(ctx context.Context, nodeID string, seg antientropy.Segment) ([]model.Record, error) {
	c := m.pool.Client(nodeID)
	if c == nil {
		return nil, errors.Timeout("no connection registered for " + nodeID)
	}
	payload, err := json.Marshal(segmentRequest{Segment: seg})
	if err != nil {
		return nil, err
	}
	respPayload, err := c.Send(wire.KindMerkleSegment, payload)
	if err != nil {
		return nil, err
	}
	var resp segmentResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, errors.CorruptData("failed to decode merkle segment response", err)
	}
	return resp.Records, nil
}

// HandleMerkleRoot/HandleMerkleSegment are the server-side counterparts,
// bound into the dispatch table alongside HandleReplicaWrite/Read. Both
// scan with tombstones included: a plain RangeScan would make a deleted
// key look identical to an absent one, so the Merkle digest would never
// flag the divergence and the delete could never propagate through
// anti-entropy to a replica that missed it.
func HandleMerkleRoot(store interface {
	RangeScanWithTombstones(low, high string) ([]model.Record, error)
}, payload []byte) []byte {
	var req rootsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	all, err := store.RangeScanWithTombstones("", "")
	if err != nil {
		return nil
	}
	roots := antientropy.SegmentRoots(all, req.Segments)
	resp, _ := json.Marshal(rootsResponse{Roots: roots})
	return resp
}

func HandleMerkleSegment(store interface {
	RangeScanWithTombstones(low, high string) ([]model.Record, error)
}, payload []byte) []byte {
	var req segmentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	records, err := store.RangeScanWithTombstones(req.Segment.Low, req.Segment.High)
	if err != nil {
		return nil
	}
	resp, _ := json.Marshal(segmentResponse{Records: records})
	return resp
}
