package node

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/config"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/transport"
	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// freePort grabs an OS-assigned TCP port and releases it immediately, so
// the node's config can name a concrete address before Serve binds it.
func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.NodeID = "n1"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.ReadTimeout = 2 * time.Second
	cfg.Server.WriteTimeout = 2 * time.Second
	cfg.Replication.ReplicationFactor = 1
	cfg.Replication.WriteQuorum = 1
	cfg.Replication.ReadQuorum = 1
	cfg.Replication.ConsistencyMode = "lww"
	cfg.Replication.MaxBatchSize = 64
	cfg.Replication.SendInterval = time.Hour
	cfg.Partition.Strategy = "hash"
	cfg.Partition.PartitionsPerNode = 8
	cfg.Storage.DataDir = dir
	cfg.Storage.HintsDir = dir + "/hints"
	cfg.Storage.ReplicationLogFile = dir + "/replication_log.json"
	cfg.Storage.LastSeenFile = dir + "/last_seen.json"
	cfg.WAL.SegmentSize = 1 << 20
	cfg.WAL.BufferSize = 4096
	cfg.MemTable.MaxSize = 1 << 20
	cfg.MemTable.FlushInterval = time.Hour
	cfg.SSTable.L0FileLimit = 4
	cfg.SSTable.LevelSizeRatio = 10
	cfg.SSTable.BloomFilterFP = 0.01
	cfg.SSTable.IndexInterval = 64
	cfg.Compaction.Workers = 1
	cfg.Heartbeat.BindPort = 0
	cfg.Heartbeat.Interval = 200 * time.Millisecond
	cfg.Heartbeat.SuspectTimeout = time.Second
	cfg.Heartbeat.DeadTimeout = 2 * time.Second
	cfg.HintedHandoff.Interval = time.Hour
	cfg.AntiEntropy.Interval = time.Hour
	cfg.AntiEntropy.Segments = 4
	cfg.AntiEntropy.TombstoneRetention = time.Hour
	cfg.Transaction.LockStrategy = "optimistic"
	cfg.Transaction.LockTimeout = time.Second
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	n, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.engine)
	require.NotNil(t, n.partitioner)
	require.NotNil(t, n.detector)
	require.NotNil(t, n.quorum)
	require.NotNil(t, n.hints)
	require.NotNil(t, n.reconciler)
	require.NotNil(t, n.replication)
	require.NotNil(t, n.txns)
	require.NotNil(t, n.resolver)
	require.NotNil(t, n.metrics)
}

func TestPutGetRoundTripsThroughQuorumAsSoleReplica(t *testing.T) {
	n, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	go n.Serve()
	// Give the listener a moment to come up before dialing it.
	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", n.Addr())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := model.Key("hello")
	require.NoError(t, n.Put(ctx, key, []byte("world"), model.Meta{}))

	rec, found, err := n.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("world"), rec.Value)
}

// Forcing a flush between the two writes puts them on two distinct read
// sources (the fresh active memtable and an on-disk SSTable), the layout
// under which an unpopulated Meta.Vector previously made vectorResolver
// return whichever source Engine.Get happened to fold last, not
// whichever write actually happened last.
func TestPutGetUnderVectorConsistencyReturnsLatestWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replication.ConsistencyMode = "vector"
	cfg.MemTable.MaxSize = 1

	n, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	key := model.Key("k")
	require.NoError(t, n.Put(ctx, key, []byte("first"), model.Meta{}))
	require.Eventually(t, func() bool {
		rec, found, err := n.engine.Get(key)
		return err == nil && found && string(rec.Value) == "first"
	}, time.Second, 10*time.Millisecond, "first write must be durably flushed before the second lands on a fresh memtable")

	require.NoError(t, n.Put(ctx, key, []byte("second"), model.Meta{}))

	rec, found, err := n.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("second"), rec.Value, "vector mode must resolve to the causally later write, not whichever source was folded last")
	require.NotEmpty(t, rec.Meta.Vector, "Put must stamp a version vector under vector consistency mode")
}

func startNode(t *testing.T, cfg *config.Config) (*Node, *transport.PeerClient) {
	t.Helper()
	n, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	go n.Serve()
	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", n.Addr())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	c := transport.NewPeerClient(n.Addr(), 2*time.Second, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return n, c
}

func TestClientPutGetDeleteOverWireStampLamportTimestamps(t *testing.T) {
	_, c := startNode(t, testConfig(t))

	putReq, err := json.Marshal(clientPutRequest{Key: "k1", Value: []byte("v1")})
	require.NoError(t, err)
	putResp, err := c.Send(wire.KindPut, putReq)
	require.NoError(t, err)
	var pr clientWriteResponse
	require.NoError(t, json.Unmarshal(putResp, &pr))
	require.Empty(t, pr.Error)

	getReq, err := json.Marshal(clientGetRequest{Key: "k1"})
	require.NoError(t, err)
	getResp, err := c.Send(wire.KindGet, getReq)
	require.NoError(t, err)
	var gr clientGetResponse
	require.NoError(t, json.Unmarshal(getResp, &gr))
	require.True(t, gr.Found)
	require.Equal(t, []byte("v1"), gr.Record.Value)
	require.NotZero(t, gr.Record.Meta.LamportTS, "Put must stamp a Lamport timestamp")

	delReq, err := json.Marshal(clientDeleteRequest{Key: "k1"})
	require.NoError(t, err)
	delResp, err := c.Send(wire.KindDelete, delReq)
	require.NoError(t, err)
	var dr clientWriteResponse
	require.NoError(t, json.Unmarshal(delResp, &dr))
	require.Empty(t, dr.Error)

	getResp2, err := c.Send(wire.KindGet, getReq)
	require.NoError(t, err)
	var gr2 clientGetResponse
	require.NoError(t, json.Unmarshal(getResp2, &gr2))
	require.False(t, gr2.Found, "tombstoned key must not resurface")
}

func TestClientTxnLifecycleOverWire(t *testing.T) {
	_, c := startNode(t, testConfig(t))

	beginResp, err := c.Send(wire.KindTxn, mustJSON(t, txnRequest{Op: "begin"}))
	require.NoError(t, err)
	var begin txnResponse
	require.NoError(t, json.Unmarshal(beginResp, &begin))
	require.NotEmpty(t, begin.TxID)

	putResp, err := c.Send(wire.KindTxn, mustJSON(t, txnRequest{Op: "put", TxID: begin.TxID, Key: "tx-key", Value: []byte("tx-val")}))
	require.NoError(t, err)
	var put txnResponse
	require.NoError(t, json.Unmarshal(putResp, &put))
	require.Empty(t, put.Error)

	commitResp, err := c.Send(wire.KindTxn, mustJSON(t, txnRequest{Op: "commit", TxID: begin.TxID}))
	require.NoError(t, err)
	var commit txnResponse
	require.NoError(t, json.Unmarshal(commitResp, &commit))
	require.Equal(t, "Committed", commit.Status)

	getReq := mustJSON(t, clientGetRequest{Key: "tx-key"})
	getResp, err := c.Send(wire.KindGet, getReq)
	require.NoError(t, err)
	var gr clientGetResponse
	require.NoError(t, json.Unmarshal(getResp, &gr))
	require.True(t, gr.Found)
	require.Equal(t, []byte("tx-val"), gr.Record.Value)

	// A commit against an id that's already been removed from openTxn
	// must be rejected rather than silently re-applying.
	commitAgain, err := c.Send(wire.KindTxn, mustJSON(t, txnRequest{Op: "commit", TxID: begin.TxID}))
	require.NoError(t, err)
	var again txnResponse
	require.NoError(t, json.Unmarshal(commitAgain, &again))
	require.NotEmpty(t, again.Error)
}

func TestClientListByIndexOverWire(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Fields = []string{"status"}
	_, c := startNode(t, cfg)

	putResp, err := c.Send(wire.KindPut, mustJSON(t, clientPutRequest{Key: model.Key("idx:status:active:user-1")}))
	require.NoError(t, err)
	var pr clientWriteResponse
	require.NoError(t, json.Unmarshal(putResp, &pr))
	require.Empty(t, pr.Error)

	listResp, err := c.Send(wire.KindListByIndex, mustJSON(t, listByIndexRequest{Field: "status", Value: "active"}))
	require.NoError(t, err)
	var lr listByIndexResponse
	require.NoError(t, json.Unmarshal(listResp, &lr))
	require.Contains(t, lr.Keys, model.Key("user-1"))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestBeginOpensLocalTransaction(t *testing.T) {
	n, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	tx := n.Begin()
	require.NotNil(t, tx)
	require.NoError(t, tx.Put(model.Record{Key: "a", Value: []byte("1")}))
	require.NoError(t, tx.Commit())

	rec, found, err := n.engine.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), rec.Value)
}
