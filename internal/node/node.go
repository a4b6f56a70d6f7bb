// Package node is the composition root: it wires config, the LSM engine,
// the partitioner, the failure detector, the peer transport, the quorum
// coordinator, hinted handoff, anti-entropy, transactions, consistency,
// and metrics into one running process. Grounded on the combined
// initialization order of storage-node/cmd/storage/main.go (commit log
// recovery before serving, gossip started after storage, graceful
// shutdown flushing the memtable) and coordinator/cmd/coordinator/main.go
// (quorum coordinator wired on top of a storage layer, hinted handoff and
// anti-entropy loops started alongside it) — merged into a single binary
// since this design runs storage and coordination in the same process
// rather than as separate services.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/admin"
	"github.com/devrev/pairdb-core/internal/antientropy"
	"github.com/devrev/pairdb-core/internal/clock"
	"github.com/devrev/pairdb-core/internal/config"
	"github.com/devrev/pairdb-core/internal/consistency"
	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/heartbeat"
	"github.com/devrev/pairdb-core/internal/hintedhandoff"
	"github.com/devrev/pairdb-core/internal/lsm"
	"github.com/devrev/pairdb-core/internal/metrics"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/quorum"
	"github.com/devrev/pairdb-core/internal/replication"
	"github.com/devrev/pairdb-core/internal/ring"
	"github.com/devrev/pairdb-core/internal/secidx"
	"github.com/devrev/pairdb-core/internal/storage/sstable"
	"github.com/devrev/pairdb-core/internal/storage/wal"
	"github.com/devrev/pairdb-core/internal/transport"
	"github.com/devrev/pairdb-core/internal/transport/wire"
	"github.com/devrev/pairdb-core/internal/txn"
	"github.com/devrev/pairdb-core/internal/validation"
)

// Node is one running cluster member: storage engine, partitioning,
// membership, replication, and every background repair loop.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	engine      *lsm.Engine
	partitioner *ring.Partitioner
	detector    *heartbeat.Detector
	pool        *transport.Pool
	server      *transport.Server
	quorum      *quorum.Coordinator
	hints       *hintedhandoff.Queue
	reconciler  *antientropy.Reconciler
	replication *replication.Log
	txns        *txn.Manager
	resolver    consistency.Resolver
	metrics     *metrics.Metrics
	admin       *admin.Admin
	validator   *validation.Validator
	index       *secidx.Manager
	store       *indexedStore
	clock       *clock.Lamport
	vector      *clock.VectorClock

	txnMu   sync.Mutex
	openTxn map[string]*txn.Txn
}

// indexedStore wraps the engine so every locally-applied write — whether
// it arrives as a direct quorum write, a hint replay, a replication-log
// catch-up batch, or a transaction commit — also updates the secondary
// index from its key and folds the record's Lamport timestamp into the
// node's clock. internal/secidx and internal/clock have no way to
// observe a write on their own since neither is a concern
// internal/lsm.Engine knows about, and every write this store applies —
// local or received from a peer — reaches the engine through here.
type indexedStore struct {
	engine *lsm.Engine
	index  *secidx.Manager
	clock  *clock.Lamport
	vector *clock.VectorClock
}

func (s *indexedStore) Put(r model.Record) error {
	if err := s.engine.Put(r); err != nil {
		return err
	}
	s.clock.Update(r.Meta.LamportTS)
	s.vector.Observe(clock.VersionVector(r.Meta.Vector))
	s.index.Observe(r)
	return nil
}

func (s *indexedStore) Delete(key model.Key, meta model.Meta) error {
	if err := s.engine.Delete(key, meta); err != nil {
		return err
	}
	s.clock.Update(meta.LamportTS)
	s.vector.Observe(clock.VersionVector(meta.Vector))
	meta.IsTombstone = true
	s.index.Observe(model.Record{Key: key, Meta: meta})
	return nil
}

func (s *indexedStore) Get(key model.Key) (model.Record, bool, error) {
	return s.engine.Get(key)
}

func (s *indexedStore) AppendTxMarker(kind wal.Kind, txID string) error {
	return s.engine.AppendTxMarker(kind, txID)
}

// New builds every component without starting network I/O. Open starts
// the engine's background loops; Serve blocks accepting peer traffic.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	// The replication log is opened before the engine since it serves as
	// the engine's dedup checker; its peer RPC client is attached once
	// the pool exists further down.
	repl, err := replication.Open(replication.Config{
		LogPath:      cfg.Storage.ReplicationLogFile,
		LastSeenPath: cfg.Storage.LastSeenFile,
		MaxBatchSize: cfg.Replication.MaxBatchSize,
		SendInterval: cfg.Replication.SendInterval,
	}, cfg.Server.NodeID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open replication log: %w", err)
	}

	// The resolver is built before the engine since the engine folds every
	// multi-source read (memtable/frozen/level) through it, the same
	// resolver instance the quorum coordinator and anti-entropy reconciler
	// use, so a key resolves identically regardless of which component
	// happened to read it first.
	resolver := consistency.New(consistency.Mode(cfg.Replication.ConsistencyMode))

	engine, err := lsm.Open(cfg.Storage.DataDir, lsm.Config{
		DataDir:         cfg.Storage.DataDir,
		WAL:             wal.Config{SegmentSize: cfg.WAL.SegmentSize, MaxAge: cfg.WAL.MaxAge, SyncWrites: cfg.WAL.SyncWrites, BufferSize: cfg.WAL.BufferSize},
		MemTableMaxSize: cfg.MemTable.MaxSize,
		FlushInterval:   cfg.MemTable.FlushInterval,
		SSTable:         sstable.Config{BloomFilterFP: cfg.SSTable.BloomFilterFP, IndexInterval: cfg.SSTable.IndexInterval},
		L0FileLimit:     cfg.SSTable.L0FileLimit,
		LevelSizeRatio:  cfg.SSTable.LevelSizeRatio,
		CompactWorkers:  cfg.Compaction.Workers,
		TombstoneGrace:  cfg.AntiEntropy.TombstoneRetention,
		Dedup:           repl,
		Resolver:        resolver,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine: %w", err)
	}

	index := secidx.New(cfg.Index.Fields)
	if err := index.Rebuild(engine); err != nil {
		return nil, fmt.Errorf("failed to rebuild secondary index: %w", err)
	}
	lamportClock := clock.NewLamport()
	vectorClock := clock.NewVectorClock()
	store := &indexedStore{engine: engine, index: index, clock: lamportClock, vector: vectorClock}

	strategy := ring.StrategyHash
	if cfg.Partition.Strategy == "range" {
		strategy = ring.StrategyRange
	}
	numPartitions := cfg.Partition.NumPartitions
	if numPartitions == 0 {
		numPartitions = cfg.Partition.PartitionsPerNode * 8 // a starting estimate; grows as nodes join
	}
	partitioner := ring.New(strategy, cfg.Replication.ReplicationFactor, cfg.Partition.PartitionsPerNode, numPartitions)
	partitioner.AddNode(cfg.Server.NodeID)

	pool := transport.NewPool(cfg.Server.ReadTimeout, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	pool.SetAddr(cfg.Server.NodeID, addr) // a node is always a reachable replica for its own partitions
	repl.SetClient(transport.NewReplicationRPC(pool))

	m := metrics.New(cfg.Server.NodeID)

	// The failure detector is constructed before the quorum coordinator
	// and hint queue since both need it as a LivenessChecker; detector is
	// declared ahead of the closure so onMembershipChange can look up a
	// newly-live peer's gossiped address once the detector exists.
	var detector *heartbeat.Detector
	onMembershipChange := func(nodeID string, status model.NodeStatus) {
		m.RecordNodeStatusTransition(status.String())
		switch status {
		case model.StatusDead:
			partitioner.RemoveNode(nodeID)
		case model.StatusLive:
			partitioner.AddNode(nodeID)
			for _, peer := range detector.Members() {
				if peer.ID == nodeID && peer.Addr != "" {
					pool.SetAddr(nodeID, peer.Addr)
				}
			}
		}
	}
	detector, err = heartbeat.New(heartbeat.Config{
		NodeID:         cfg.Server.NodeID,
		BindAddr:       cfg.Server.Host,
		BindPort:       cfg.Heartbeat.BindPort,
		SeedNodes:      cfg.Heartbeat.SeedNodes,
		Interval:       cfg.Heartbeat.Interval,
		SuspectTimeout: cfg.Heartbeat.SuspectTimeout,
		DeadTimeout:    cfg.Heartbeat.DeadTimeout,
	}, logger, onMembershipChange)
	if err != nil {
		return nil, fmt.Errorf("failed to start failure detector: %w", err)
	}

	hints, err := hintedhandoff.Open(hintedhandoff.Config{
		Dir:            cfg.Storage.HintsDir,
		ReplayInterval: cfg.HintedHandoff.Interval,
	}, transport.NewReplicaRPC(pool), detector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open hint queue: %w", err)
	}

	qc := quorum.New(quorum.Config{
		Client:      transport.NewReplicaRPC(pool),
		Liveness:    detector,
		Hints:       hints,
		Resolver:    resolver,
		WriteQuorum: cfg.Replication.WriteQuorum,
		ReadQuorum:  cfg.Replication.ReadQuorum,
		LocalNodeID: cfg.Server.NodeID,
		Logger:      logger,
	})

	strat := txn.StrategyOptimistic
	if cfg.Transaction.LockStrategy == "2pl" {
		strat = txn.Strategy2PL
	}
	txMgr := txn.New(store, lamportClock, txn.Config{Strategy: strat, LockWait: cfg.Transaction.LockTimeout, OriginNode: cfg.Server.NodeID}, logger)

	reconciler := antientropy.New(antientropy.Config{
		NumSegments: cfg.AntiEntropy.Segments,
		Interval:    cfg.AntiEntropy.Interval,
		Resolver:    resolver,
	}, engine, transport.NewMerkleRPC(pool), logger)

	adminOps := admin.New(partitioner, engine, transport.NewReplicaRPC(pool), pool, logger)

	n := &Node{
		cfg: cfg, logger: logger,
		engine: engine, partitioner: partitioner, detector: detector, pool: pool,
		quorum: qc, hints: hints, reconciler: reconciler, replication: repl,
		txns: txMgr, resolver: resolver, metrics: m, admin: adminOps,
		validator: validation.NewValidator(), index: index, store: store,
		clock:   lamportClock,
		vector:  vectorClock,
		openTxn: make(map[string]*txn.Txn),
	}

	n.server = transport.NewServer(transport.ServerConfig{
		Addr:              addr,
		MaxWorkersPerConn: 4,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}, n.dispatch, logger)

	return n, nil
}

// dispatch is the transport.HandleFunc bound to the peer server.
func (n *Node) dispatch(kind wire.Kind, payload []byte) []byte {
	switch kind {
	case wire.KindReplicaWrite:
		return transport.HandleReplicaWrite(n.store, payload)
	case wire.KindReplicaRead:
		return transport.HandleReplicaRead(n.engine, payload)
	case wire.KindReplicateBatch:
		return transport.HandleReplicateBatch(n.store, n.replication, payload)
	case wire.KindFetchUpdates:
		return transport.HandleFetchUpdates(n.replication, payload)
	case wire.KindHintDeliver:
		return transport.HandleHintDeliver(n.store, payload)
	case wire.KindMerkleRoot:
		return transport.HandleMerkleRoot(n.engine, payload)
	case wire.KindMerkleSegment:
		return transport.HandleMerkleSegment(n.engine, payload)
	case wire.KindPartitionMap:
		return n.handlePartitionMap(payload)
	case wire.KindAdmin:
		return n.handleAdmin(payload)
	case wire.KindPut:
		return n.handleClientPut(payload)
	case wire.KindGet:
		return n.handleClientGet(payload)
	case wire.KindDelete:
		return n.handleClientDelete(payload)
	case wire.KindRangeScan:
		return n.handleClientRangeScan(payload)
	case wire.KindTxn:
		return n.handleTxn(payload)
	case wire.KindListByIndex:
		return n.handleListByIndex(payload)
	default:
		return nil
	}
}

// handlePartitionMap serves wire.KindPartitionMap's two uses: an empty
// payload is a pull (answer with the local map, the only behavior this
// kind had before), a populated one is a push from a peer's admin
// mutation, installed via the epoch-gated ring.Partitioner.Install.
func (n *Node) handlePartitionMap(payload []byte) []byte {
	if len(payload) > 0 {
		var req partitionMapRequest
		if err := json.Unmarshal(payload, &req); err == nil && req.Map != nil {
			n.partitioner.Install(req.Map)
			return []byte("ok")
		}
	}
	m := n.partitioner.Map()
	data, _ := json.Marshal(m)
	return data
}

type partitionMapRequest struct {
	Map *model.PartitionMap `json:"map,omitempty"`
}

// broadcastPartitionMap pushes m to every live peer's handlePartitionMap,
// called after every admin mutation that changes the map. Best-effort: a
// peer that's unreachable right now still converges later via the
// ordinary pull path or the next successful broadcast.
func (n *Node) broadcastPartitionMap(m *model.PartitionMap) {
	if m == nil {
		return
	}
	payload, err := json.Marshal(partitionMapRequest{Map: m})
	if err != nil {
		return
	}
	for _, peer := range n.livePeers() {
		c := n.pool.Client(peer)
		if c == nil {
			continue
		}
		if _, err := c.Send(wire.KindPartitionMap, payload); err != nil {
			n.logger.Warn("failed to push partition map", zap.String("node_id", peer), zap.Error(err))
		}
	}
}

// adminRequest is the wire payload for wire.KindAdmin, covering every
// administrative endpoint. Op selects which fields apply.
type adminRequest struct {
	Op        string   `json:"op"`
	NodeID    string   `json:"node_id,omitempty"`
	Addr      string   `json:"addr,omitempty"`
	PID       uint64   `json:"pid,omitempty"`
	PID2      uint64   `json:"pid2,omitempty"`
	SplitKey  string   `json:"split_key,omitempty"`
	NewOwner  string   `json:"new_owner,omitempty"`
	LiveNodes []string `json:"live_nodes,omitempty"`
	Threshold int      `json:"threshold,omitempty"`
	MinKeys   int      `json:"min_keys,omitempty"`
	Key       string   `json:"key,omitempty"`
	Buckets   int      `json:"buckets,omitempty"`
	Migrate   bool     `json:"migrate,omitempty"`
}

type adminResponse struct {
	Map   *model.PartitionMap  `json:"map,omitempty"`
	Hot   []admin.HotPartition `json:"hot,omitempty"`
	Error string               `json:"error,omitempty"`
}

// handleAdmin decodes an adminRequest and dispatches to internal/admin,
// the server-side counterpart of a future CLI client over the same
// wire.KindAdmin frame the peer transport already carries.
func (n *Node) handleAdmin(payload []byte) []byte {
	var req adminRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(adminResponse{Error: err.Error()})
		return data
	}

	var resp adminResponse
	switch req.Op {
	case "add_node":
		resp.Map = n.admin.AddNode(req.NodeID, req.Addr)
	case "remove_node":
		resp.Map = n.admin.RemoveNode(req.NodeID)
	case "split_partition":
		m, err := n.admin.SplitPartition(context.Background(), req.PID, req.SplitKey, req.NewOwner)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Map = m
	case "merge_partitions":
		m, err := n.admin.MergePartitions(req.PID, req.PID2)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Map = m
	case "rebalance":
		resp.Map = n.admin.Rebalance(req.LiveNodes)
	case "check_hot_partitions":
		hot, err := n.admin.CheckHotPartitions(req.Threshold, req.MinKeys)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Hot = hot
	case "mark_hot_key":
		if err := n.admin.MarkHotKey(model.Key(req.Key), req.Buckets, req.Migrate); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = fmt.Sprintf("unknown admin op %q", req.Op)
	}

	if resp.Error == "" && resp.Map != nil {
		n.broadcastPartitionMap(resp.Map)
	}

	data, _ := json.Marshal(resp)
	return data
}

// clientPutRequest/clientGetRequest/etc. are the wire payloads for the
// client-facing put/get/delete/scan RPCs (wire.KindPut/Get/Delete/
// RangeScan), distinct from wire.KindReplicaWrite/Read which carry
// already-stamped internal replica traffic between quorum.Coordinator
// and its peers.
type clientPutRequest struct {
	Key   model.Key  `json:"key"`
	Value []byte     `json:"value"`
	Meta  model.Meta `json:"meta"`
}

type clientWriteResponse struct {
	Error string `json:"error,omitempty"`
}

func (n *Node) handleClientPut(payload []byte) []byte {
	var req clientPutRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(clientWriteResponse{Error: err.Error()})
		return data
	}
	var resp clientWriteResponse
	if err := n.Put(context.Background(), req.Key, req.Value, req.Meta); err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	return data
}

type clientGetRequest struct {
	Key model.Key `json:"key"`
}

type clientGetResponse struct {
	Record model.Record `json:"record"`
	Found  bool         `json:"found"`
	Error  string       `json:"error,omitempty"`
}

func (n *Node) handleClientGet(payload []byte) []byte {
	var req clientGetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(clientGetResponse{Error: err.Error()})
		return data
	}
	rec, found, err := n.Get(context.Background(), req.Key)
	resp := clientGetResponse{Record: rec, Found: found}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	return data
}

type clientDeleteRequest struct {
	Key  model.Key  `json:"key"`
	Meta model.Meta `json:"meta"`
}

func (n *Node) handleClientDelete(payload []byte) []byte {
	var req clientDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(clientWriteResponse{Error: err.Error()})
		return data
	}
	var resp clientWriteResponse
	if err := n.Delete(context.Background(), req.Key, req.Meta); err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	return data
}

type rangeScanRequest struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

type rangeScanResponse struct {
	Records []model.Record `json:"records,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (n *Node) handleClientRangeScan(payload []byte) []byte {
	var req rangeScanRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(rangeScanResponse{Error: err.Error()})
		return data
	}
	records, err := n.RangeScan(req.Low, req.High)
	resp := rangeScanResponse{Records: records}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	return data
}

// txnRequest is the wire payload for wire.KindTxn, one frame per
// transaction operation (BeginTransaction/GetForUpdate/put/delete/
// CommitTransaction/AbortTransaction all multiplex over this one kind,
// keyed by Op and, past "begin", by TxID). internal/node keeps the open
// *txn.Txn handles keyed by id in n.openTxn since a wire connection is
// stateless between frames — the client, not the transport, is what
// keeps a transaction "open" across several round trips.
type txnRequest struct {
	Op    string     `json:"op"`
	TxID  string     `json:"tx_id,omitempty"`
	Key   model.Key  `json:"key,omitempty"`
	Value []byte     `json:"value,omitempty"`
	Meta  model.Meta `json:"meta,omitempty"`
}

type txnResponse struct {
	TxID   string       `json:"tx_id,omitempty"`
	Record model.Record `json:"record,omitempty"`
	Found  bool         `json:"found,omitempty"`
	Status string       `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func (n *Node) handleTxn(payload []byte) []byte {
	var req txnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		data, _ := json.Marshal(txnResponse{Error: err.Error()})
		return data
	}

	if req.Op == "begin" {
		tx := n.txns.Begin()
		n.txnMu.Lock()
		n.openTxn[tx.ID()] = tx
		n.txnMu.Unlock()
		data, _ := json.Marshal(txnResponse{TxID: tx.ID()})
		return data
	}

	n.txnMu.Lock()
	tx, ok := n.openTxn[req.TxID]
	n.txnMu.Unlock()
	if !ok {
		data, _ := json.Marshal(txnResponse{Error: fmt.Sprintf("unknown transaction %q", req.TxID)})
		return data
	}

	var resp txnResponse
	switch req.Op {
	case "get", "get_for_update":
		rec, found, err := tx.Get(req.Key)
		resp.Record, resp.Found = rec, found
		if err != nil {
			resp.Error = err.Error()
		}
	case "put":
		if err := tx.Put(model.Record{Key: req.Key, Value: req.Value, Meta: req.Meta}); err != nil {
			resp.Error = err.Error()
		}
	case "delete":
		if err := tx.Delete(req.Key, req.Meta); err != nil {
			resp.Error = err.Error()
		}
	case "commit":
		n.txnMu.Lock()
		delete(n.openTxn, req.TxID)
		n.txnMu.Unlock()
		if err := tx.Commit(); err != nil {
			resp.Error = err.Error()
			if errors.Is(err, errors.KindSerializationConflict) {
				resp.Status = "SerializationConflict"
			}
		} else {
			resp.Status = "Committed"
		}
	case "abort":
		n.txnMu.Lock()
		delete(n.openTxn, req.TxID)
		n.txnMu.Unlock()
		if err := tx.Abort(); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = fmt.Sprintf("unknown txn op %q", req.Op)
	}

	data, _ := json.Marshal(resp)
	return data
}

type listByIndexRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type listByIndexResponse struct {
	Keys []model.Key `json:"keys"`
}

func (n *Node) handleListByIndex(payload []byte) []byte {
	var req listByIndexRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	data, _ := json.Marshal(listByIndexResponse{Keys: n.index.Query(req.Field, req.Value)})
	return data
}

// Serve starts anti-entropy, the replication sender, and the peer
// listener; hinted-handoff replay already runs from the moment the hint
// queue is opened. It blocks until the listener stops.
func (n *Node) Serve() error {
	go n.reconciler.Run(func() []string { return n.livePeers() })
	go n.replication.RunSender(func() []string { return n.livePeers() }, n.store)
	n.logger.Info("node serving", zap.String("node_id", n.cfg.Server.NodeID))
	return n.server.Listen()
}

func (n *Node) livePeers() []string {
	var peers []string
	for _, member := range n.detector.Members() {
		if member.ID == n.cfg.Server.NodeID {
			continue
		}
		if n.detector.IsLive(member.ID) {
			peers = append(peers, member.ID)
		}
	}
	return peers
}

// Put coordinates a quorum write for key through the replicas the
// partitioner currently assigns it. A key marked hot via
// admin.MarkHotKey is salted across its configured buckets first, so no
// single partition absorbs all of its write traffic. A caller-supplied
// meta.LamportTS (e.g. a replayed op from another origin) is folded into
// this node's clock rather than overwritten; an unstamped write (the
// ordinary client path) is stamped fresh off the local clock.
func (n *Node) Put(ctx context.Context, key model.Key, value []byte, meta model.Meta) error {
	if err := n.validator.ValidateWrite(string(key), value); err != nil {
		return err
	}
	meta.WallTime = time.Now()
	if meta.LamportTS == 0 {
		meta.LamportTS = n.clock.Tick()
	} else {
		meta.LamportTS = n.clock.Update(meta.LamportTS)
	}
	if len(meta.Vector) == 0 {
		meta.Vector = n.vector.Advance(n.cfg.Server.NodeID)
	} else {
		n.vector.Observe(clock.VersionVector(meta.Vector))
	}
	physKey := key
	if salted, ok := n.admin.NextBucket(key); ok {
		physKey = salted
	}
	rec := n.replication.Originate(model.Record{Key: physKey, Value: value, Meta: meta})
	replicas := n.partitioner.ReplicasFor(physKey)
	if len(replicas) == 0 {
		return errors.NotOwner(string(physKey), 0)
	}
	return n.quorum.Write(ctx, replicas, rec, quorum.LevelQuorum)
}

// Delete coordinates a quorum tombstone write for key, the mirror image
// of Put.
func (n *Node) Delete(ctx context.Context, key model.Key, meta model.Meta) error {
	if err := n.validator.ValidateKey(string(key)); err != nil {
		return err
	}
	meta.WallTime = time.Now()
	meta.IsTombstone = true
	if meta.LamportTS == 0 {
		meta.LamportTS = n.clock.Tick()
	} else {
		meta.LamportTS = n.clock.Update(meta.LamportTS)
	}
	if len(meta.Vector) == 0 {
		meta.Vector = n.vector.Advance(n.cfg.Server.NodeID)
	} else {
		n.vector.Observe(clock.VersionVector(meta.Vector))
	}
	rec := n.replication.Originate(model.Record{Key: key, Meta: meta})
	replicas := n.partitioner.ReplicasFor(key)
	if len(replicas) == 0 {
		return errors.NotOwner(string(key), 0)
	}
	return n.quorum.Write(ctx, replicas, rec, quorum.LevelQuorum)
}

// RangeScan answers scan(partition, low, high) against this node's local
// engine. The caller (a router, or a smart client with an up-to-date
// partition map) is expected to have already resolved which node owns
// the range; there is no cross-partition fan-out here, matching §1's
// scoping of the query planner that would do that out of this core.
func (n *Node) RangeScan(low, high string) ([]model.Record, error) {
	return n.engine.RangeScan(low, high)
}

// Get coordinates a quorum read for key. A salted key is read back by
// scatter-gathering every bucket and folding the results through the
// node's consistency resolver, the same way a quorum read folds sibling
// replica responses.
func (n *Node) Get(ctx context.Context, key model.Key) (model.Record, bool, error) {
	if buckets, ok := n.admin.SaltSpec(key); ok {
		return n.getSalted(ctx, key, buckets)
	}
	replicas := n.partitioner.ReplicasFor(key)
	if len(replicas) == 0 {
		return model.Record{}, false, errors.NotOwner(string(key), 0)
	}
	return n.quorum.Read(ctx, replicas, key, quorum.LevelQuorum)
}

func (n *Node) getSalted(ctx context.Context, key model.Key, buckets int) (model.Record, bool, error) {
	var resolved model.Record
	found := false
	for i := 0; i < buckets; i++ {
		sk := admin.SaltedKey(key, i)
		replicas := n.partitioner.ReplicasFor(sk)
		if len(replicas) == 0 {
			continue
		}
		rec, ok, err := n.quorum.Read(ctx, replicas, sk, quorum.LevelQuorum)
		if err != nil || !ok {
			continue
		}
		if !found {
			resolved, found = rec, true
			continue
		}
		resolved = n.resolver.Resolve(resolved, rec)
	}
	return resolved, found, nil
}

// Begin opens a transaction against the local storage engine.
func (n *Node) Begin() *txn.Txn {
	return n.txns.Begin()
}

// Close shuts down every background loop and the storage engine, in the
// reverse of startup order.
func (n *Node) Close() error {
	n.reconciler.Stop()
	n.replication.Close()
	n.hints.Close()
	n.server.Close()
	n.pool.Close()
	n.detector.Shutdown()
	return n.engine.Close()
}

// Addr returns the address the peer transport is bound to.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.Port)
}
