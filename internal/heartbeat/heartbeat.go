// Package heartbeat runs a SWIM-based failure detector: periodic
// pings and a suspicion timeout inside hashicorp/memberlist, and a status
// per peer, fed to every component that needs to skip or
// substitute for an unreachable replica (internal/quorum, internal/ring).
// Grounded on storage-node/internal/service/gossip_service.go, which wires
// hashicorp/memberlist the same way. Only two statuses are reported: a
// join or metadata update marks a peer Live and a leave marks it Dead.
// memberlist's own suspicion phase stays internal to it, so this package
// never sets model.StatusSuspect.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

// Config mirrors coordinator's GossipConfig, renamed to this node's
// heartbeat options.
type Config struct {
	NodeID        string
	BindAddr      string
	BindPort      int
	SeedNodes     []string
	Interval      time.Duration
	SuspectTimeout time.Duration
	DeadTimeout   time.Duration
}

// localMetrics is gossiped as node metadata so peers can read resource
// pressure without a separate RPC (cpu/mem/disk/wal_tail).
type localMetrics struct {
	CPU     float64 `json:"cpu"`
	Mem     float64 `json:"mem"`
	Disk    float64 `json:"disk"`
	WALTail uint64  `json:"wal_tail"`
}

// Detector tracks cluster membership and per-node liveness.
type Detector struct {
	cfg        Config
	logger     *zap.Logger
	ml         *memberlist.Memberlist
	mu         sync.RWMutex
	metrics    localMetrics
	nodes      map[string]*model.Node
	onChange   func(nodeID string, status model.NodeStatus)
}

// New creates and joins a memberlist cluster.
func New(cfg Config, logger *zap.Logger, onChange func(string, model.NodeStatus)) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{cfg: cfg, logger: logger, nodes: make(map[string]*model.Node), onChange: onChange}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	if cfg.Interval > 0 {
		mlConfig.GossipInterval = cfg.Interval
	}
	if cfg.SuspectTimeout > 0 {
		mlConfig.SuspicionMult = int(cfg.SuspectTimeout / mlConfig.ProbeInterval)
		if mlConfig.SuspicionMult < 1 {
			mlConfig.SuspicionMult = 1
		}
	}
	mlConfig.Delegate = d
	mlConfig.Events = &eventDelegate{d: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	d.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	return d, nil
}

// UpdateLocalMetrics refreshes the resource metrics gossiped to peers.
func (d *Detector) UpdateLocalMetrics(m localMetrics) {
	d.mu.Lock()
	d.metrics = m
	d.mu.Unlock()
}

// IsLive satisfies internal/quorum.LivenessChecker.
func (d *Detector) IsLive(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[nodeID]
	if !ok {
		return nodeID == d.cfg.NodeID
	}
	return n.Status == model.StatusLive
}

// Status returns the last known status for nodeID.
func (d *Detector) Status(nodeID string) model.NodeStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.nodes[nodeID]; ok {
		return n.Status
	}
	return model.StatusDead
}

// Members returns a snapshot of every known node.
func (d *Detector) Members() []*model.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*model.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

func (d *Detector) setStatus(nodeID, addr string, status model.NodeStatus) {
	d.mu.Lock()
	n, ok := d.nodes[nodeID]
	if !ok {
		n = &model.Node{ID: nodeID, Addr: addr}
		d.nodes[nodeID] = n
	}
	changed := n.Status != status
	n.Status = status
	n.LastHeartbeat = time.Now().UnixMilli()
	d.mu.Unlock()

	if changed && d.onChange != nil {
		d.onChange(nodeID, status)
	}
}

// Leave gracefully announces departure to the cluster.
func (d *Detector) Leave(timeout time.Duration) error {
	return d.ml.Leave(timeout)
}

// Shutdown tears down the memberlist transport.
func (d *Detector) Shutdown() error {
	return d.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (d *Detector) NodeMeta(limit int) []byte {
	d.mu.RLock()
	data, _ := json.Marshal(d.metrics)
	d.mu.RUnlock()
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate; unused, no user messages are
// piggybacked on gossip in this design (replication uses its own
// transport).
func (d *Detector) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (d *Detector) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (d *Detector) LocalState(join bool) []byte {
	d.mu.RLock()
	data, _ := json.Marshal(d.metrics)
	d.mu.RUnlock()
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (d *Detector) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate maps memberlist's join/leave/update callbacks onto
// model.NodeStatus transitions.
type eventDelegate struct {
	d *Detector
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.d.setStatus(n.Name, n.Addr.String(), model.StatusLive)
	e.d.logger.Info("peer joined", zap.String("node_id", n.Name), zap.String("addr", n.Addr.String()))
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.d.setStatus(n.Name, n.Addr.String(), model.StatusDead)
	e.d.logger.Info("peer left", zap.String("node_id", n.Name))
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	// memberlist delivers suspicion transitions through its own state
	// machine without a dedicated delegate callback; NotifyUpdate fires
	// on metadata refresh, which still counts as evidence of liveness.
	e.d.setStatus(n.Name, n.Addr.String(), model.StatusLive)
}
