// Package quorum enforces N/R/W replica counts for reads and writes,
// substitutes a live node for a dead preferred replica (sloppy quorum),
// and issues read repair writes to replicas that returned a stale value.
// Grounded on coordinator/internal/algorithm/quorum.go's consistency-level
// math and coordinator_service.go's errgroup-based parallel replica
// fan-out.
package quorum

import (
	"bytes"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

// Level is the per-request consistency level (ONE, QUORUM, ALL),
// independent of the node-wide ConsistencyMode (lww/vector/
// crdt) which governs conflict resolution, not replica counts.
type Level string

const (
	LevelOne     Level = "one"
	LevelQuorum  Level = "quorum"
	LevelAll     Level = "all"
)

// Required returns how many of totalReplicas must respond to satisfy
// level, mirroring QuorumCalculator.GetRequiredReplicas. configured is the
// operator-set write_quorum/read_quorum (spec §6); it only applies to
// LevelQuorum — LevelOne and LevelAll always mean exactly 1 or all of
// them, regardless of the configured W/R. A configured value of 0, or
// one that exceeds totalReplicas, falls back to a plain majority.
func Required(level Level, configured, totalReplicas int) int {
	switch level {
	case LevelOne:
		return 1
	case LevelAll:
		return totalReplicas
	default:
		if configured > 0 && configured <= totalReplicas {
			return configured
		}
		return totalReplicas/2 + 1
	}
}

// ReplicaClient is the transport-level capability quorum needs from a
// peer; internal/transport provides the concrete implementation.
type ReplicaClient interface {
	WriteReplica(ctx context.Context, nodeID string, r model.Record) error
	ReadReplica(ctx context.Context, nodeID string, key model.Key) (model.Record, bool, error)
}

// LivenessChecker reports whether a node is currently Live, and enumerates
// the cluster's known membership, so the coordinator can substitute a
// Live non-preferred peer for a dead preferred replica (sloppy quorum).
type LivenessChecker interface {
	IsLive(nodeID string) bool
	Members() []*model.Node
}

// HintSink receives a write that could not be placed on its preferred
// replica, for later handoff once that replica recovers.
type HintSink interface {
	Stash(nodeID string, r model.Record) error
}

// Resolver picks the winning record between two versions of the same key
// per the configured consistency mode, implemented by
// internal/consistency.New.
type Resolver interface {
	Resolve(local, incoming model.Record) model.Record
}

type lwwResolver struct{}

func (lwwResolver) Resolve(local, incoming model.Record) model.Record {
	if incoming.Dominates(local) {
		return incoming
	}
	return local
}

// Coordinator drives quorum reads and writes across a replica set.
type Coordinator struct {
	client   ReplicaClient
	liveness LivenessChecker
	hints    HintSink
	resolver Resolver
	writeQ   int
	readQ    int
	local    string
	logger   *zap.Logger
}

// Config configures a Coordinator.
type Config struct {
	Client      ReplicaClient
	Liveness    LivenessChecker
	Hints       HintSink
	Resolver    Resolver
	WriteQuorum int
	ReadQuorum  int
	LocalNodeID string
	Logger      *zap.Logger
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = lwwResolver{}
	}
	return &Coordinator{
		client: cfg.Client, liveness: cfg.Liveness, hints: cfg.Hints, resolver: resolver,
		writeQ: cfg.WriteQuorum, readQ: cfg.ReadQuorum, local: cfg.LocalNodeID, logger: logger,
	}
}

// replicaResult is one replica's response to a fanned-out request.
type replicaResult struct {
	nodeID string
	rec    model.Record
	found  bool
	err    error
}

// Write fans r out to preferred (plus sloppy-substituted) replicas and
// succeeds once level's required ack count is reached.
func (c *Coordinator) Write(ctx context.Context, preferred []string, r model.Record, level Level) error {
	targets := c.substitute(preferred)
	required := Required(level, c.writeQ, len(preferred))

	g, gctx := errgroup.WithContext(ctx)
	results := make([]replicaResult, len(targets))
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			if t.unreachable {
				// No Live substitute exists either: stash a hint against
				// the original preferred node and count this as a miss.
				if c.hints != nil {
					if err := c.hints.Stash(t.hintFor, r); err != nil {
						c.logger.Warn("failed to stash hint", zap.String("node_id", t.hintFor), zap.Error(err))
					}
				}
				results[i] = replicaResult{nodeID: t.hintFor, err: errors.Timeout("replica unreachable")}
				return nil
			}
			err := c.client.WriteReplica(gctx, t.nodeID, r)
			if err == nil && t.hintFor != "" && c.hints != nil {
				// t.nodeID is a Live peer standing in for the dead
				// preferred replica named by hintFor; stash a hint so
				// hintedhandoff replays this write once hintFor recovers.
				if hErr := c.hints.Stash(t.hintFor, r); hErr != nil {
					c.logger.Warn("failed to stash hint", zap.String("node_id", t.hintFor), zap.Error(hErr))
				}
			}
			results[i] = replicaResult{nodeID: t.nodeID, err: err}
			return nil
		})
	}
	_ = g.Wait()

	success := 0
	for _, res := range results {
		if res.err == nil {
			success++
		}
	}
	if success < required {
		return errors.QuorumNotMet(success, required)
	}
	return nil
}

// Read fans the request out to preferred replicas, resolves the
// dominating record once level's required response count is reached, and
// issues a best-effort read-repair write to any replica holding a
// dominated value.
func (c *Coordinator) Read(ctx context.Context, preferred []string, key model.Key, level Level) (model.Record, bool, error) {
	required := Required(level, c.readQ, len(preferred))

	g, gctx := errgroup.WithContext(ctx)
	results := make([]replicaResult, len(preferred))
	for i, nodeID := range preferred {
		i, nodeID := i, nodeID
		g.Go(func() error {
			rec, found, err := c.client.ReadReplica(gctx, nodeID, key)
			results[i] = replicaResult{nodeID: nodeID, rec: rec, found: found, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var best model.Record
	found := false
	responded := 0
	for _, res := range results {
		if res.err != nil {
			continue
		}
		responded++
		if !res.found {
			continue
		}
		if !found {
			best, found = res.rec, true
			continue
		}
		best = c.resolver.Resolve(best, res.rec)
	}
	if responded < required {
		return model.Record{}, false, errors.QuorumNotMet(responded, required)
	}

	if found {
		c.readRepair(preferred, results, best)
	}
	if !found || best.Meta.IsTombstone {
		return model.Record{}, false, nil
	}
	return best, true, nil
}

// readRepair pushes best to every responding replica whose returned value
// differs from the resolved winner, asynchronously so it never delays the
// client response.
func (c *Coordinator) readRepair(preferred []string, results []replicaResult, best model.Record) {
	var wg sync.WaitGroup
	for _, res := range results {
		if res.err != nil {
			continue
		}
		needsRepair := !res.found || !recordsEqual(res.rec, best)
		if !needsRepair {
			continue
		}
		nodeID := res.nodeID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.client.WriteReplica(context.Background(), nodeID, best); err != nil {
				c.logger.Warn("read repair write failed", zap.String("node_id", nodeID), zap.Error(err))
			}
		}()
	}
}

// recordsEqual reports whether a and b already hold the same resolved
// state, so read repair skips replicas that are already converged instead
// of re-writing an identical record every read.
func recordsEqual(a, b model.Record) bool {
	return a.Meta.LamportTS == b.Meta.LamportTS &&
		a.Meta.OriginNode == b.Meta.OriginNode &&
		a.Meta.IsTombstone == b.Meta.IsTombstone &&
		bytes.Equal(a.Value, b.Value)
}

// target is one replica Write actually contacts: nodeID for a Live
// preferred replica, or a Live non-preferred stand-in when hintFor is set
// (sloppy quorum), or unreachable when no stand-in exists either — in
// which case only a hint gets stashed and the write counts as a miss.
type target struct {
	nodeID      string
	hintFor     string
	unreachable bool
}

// substitute walks the preferred list and, for any node the liveness
// checker reports as not Live, hands its write to the next Live
// non-preferred peer instead (sloppy quorum: "substitute with Live
// non-preferred peers tagged hinted_for; return success when W acks
// received"). A dead preferred node with no available stand-in stays
// unreachable so Write only stashes a hint for it.
func (c *Coordinator) substitute(preferred []string) []target {
	preferredSet := make(map[string]bool, len(preferred))
	for _, nodeID := range preferred {
		preferredSet[nodeID] = true
	}

	var standins []string
	if c.liveness != nil {
		for _, m := range c.liveness.Members() {
			if m.Status == model.StatusLive && !preferredSet[m.ID] {
				standins = append(standins, m.ID)
			}
		}
	}

	out := make([]target, 0, len(preferred))
	next := 0
	for _, nodeID := range preferred {
		if c.liveness == nil || c.liveness.IsLive(nodeID) {
			out = append(out, target{nodeID: nodeID})
			continue
		}
		if next < len(standins) {
			out = append(out, target{nodeID: standins[next], hintFor: nodeID})
			next++
			continue
		}
		out = append(out, target{hintFor: nodeID, unreachable: true})
	}
	return out
}
