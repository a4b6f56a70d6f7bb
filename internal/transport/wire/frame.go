// Package wire is the node-to-node framing format:
// every request and response on the wire is
//
//	[8 bytes kind][8 bytes request id][4 bytes payload length][payload]
//
// Grounded on ValentinKolb-dKV's rpc/transport/base/util.go writeFrame /
// readFrame, kept byte-for-byte compatible in layout (the first field is
// repurposed from "shard id" to "message kind" since this store has no
// Raft shard concept). No protobuf/gRPC: protoc isn't runnable in this
// environment, so every payload inside a frame is JSON, matching the
// encoding the rest of this module already uses for WAL and SSTable
// records.
package wire

import (
	"encoding/binary"
	"io"
	"net"
)

const headerSize = 20

// Kind identifies the RPC being carried in a frame.
type Kind uint64

const (
	KindPut Kind = iota + 1
	KindGet
	KindDelete
	KindRangeScan
	KindReplicaWrite
	KindReplicaRead
	KindReplicateBatch
	KindFetchUpdates
	KindHintDeliver
	KindMerkleRoot
	KindMerkleSegment
	KindAdmin
	KindPartitionMap
	KindTxn
	KindListByIndex
)

// WriteFrame writes one frame: kind, requestID, and payload.
func WriteFrame(conn net.Conn, kind Kind, requestID uint64, payload []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], uint64(kind))
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(payload)))

	buffers := net.Buffers{header, payload}
	_, err := buffers.WriteTo(conn)
	return err
}

// ReadFrame reads one frame using buf as scratch space when it's large
// enough, allocating a fresh buffer only when the payload exceeds it.
func ReadFrame(conn net.Conn, buf []byte) (Kind, uint64, []byte, error) {
	if buf == nil || len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}
	if _, err := io.ReadFull(conn, buf[:headerSize]); err != nil {
		return 0, 0, nil, err
	}

	kind := Kind(binary.BigEndian.Uint64(buf[:8]))
	requestID := binary.BigEndian.Uint64(buf[8:16])
	length := binary.BigEndian.Uint32(buf[16:20])

	if length == 0 {
		return kind, requestID, []byte{}, nil
	}
	if len(buf) < int(length) {
		buf = make([]byte, length)
	}
	if _, err := io.ReadFull(conn, buf[:length]); err != nil {
		return 0, 0, nil, err
	}
	return kind, requestID, buf[:length], nil
}
