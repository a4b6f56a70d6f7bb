package antientropy

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

// LocalStore is the subset of internal/lsm.Engine anti-entropy needs: a
// tombstone-inclusive scan to compute segment roots and to source the
// local side of a repair, and a write path to apply repaired records
// pulled from a peer. A plain RangeScan would filter tombstones out,
// making a deleted key indistinguishable from one that was never
// written, so a delete could never be detected as a divergence or
// transferred to a replica that missed it.
type LocalStore interface {
	RangeScanWithTombstones(low, high string) ([]model.Record, error)
	Put(r model.Record) error
}

// PeerSync fetches a peer's segment roots and, for a diverging segment,
// its full record set — implemented by a transport client wrapping
// wire.KindMerkleRoot/wire.KindMerkleSegment.
type PeerSync interface {
	FetchSegmentRoots(ctx context.Context, nodeID string, segs []Segment) ([]Hash, error)
	FetchSegment(ctx context.Context, nodeID string, seg Segment) ([]model.Record, error)
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

// Reconciler periodically compares this node's segment roots against
// each peer that shares a partition with it and pulls any segment whose
// root disagrees, applying the peer's records through the configured
// Resolver so a repair joins CRDT state or picks a vector-clock winner
// the same way an ordinary read would, instead of always assuming LWW.
type Reconciler struct {
	store    LocalStore
	peers    PeerSync
	resolver Resolver
	logger   *zap.Logger
	segments []Segment
	interval time.Duration
	stopCh   chan struct{}
}

// Config controls how finely the keyspace is segmented and how often
// reconciliation runs.
type Config struct {
	NumSegments int
	Interval    time.Duration
	Resolver    Resolver
}

func New(cfg Config, store LocalStore, peers PeerSync, logger *zap.Logger) *Reconciler {
	if cfg.NumSegments <= 0 {
		cfg.NumSegments = 16
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = lwwResolver{}
	}
	return &Reconciler{
		store: store, peers: peers, resolver: resolver, logger: logger,
		segments: Segments(cfg.NumSegments), interval: cfg.Interval,
		stopCh: make(chan struct{}),
	}
}

// Run blocks, reconciling against peerIDs() on each tick, until Stop is
// called. peerIDs is resolved lazily so membership changes are picked up
// without restarting the reconciler.
func (r *Reconciler) Run(peerIDs func() []string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, peerID := range peerIDs() {
				if err := r.reconcileWith(peerID); err != nil {
					r.logger.Warn("anti-entropy reconcile failed", zap.String("peer", peerID), zap.Error(err))
				}
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) reconcileWith(peerID string) error {
	all, err := r.store.RangeScanWithTombstones("", "")
	if err != nil {
		return err
	}
	localRoots := SegmentRoots(all, r.segments)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	remoteRoots, err := r.peers.FetchSegmentRoots(ctx, peerID, r.segments)
	if err != nil {
		return err
	}

	mismatched := Diff(localRoots, remoteRoots)
	if len(mismatched) == 0 {
		return nil
	}
	r.logger.Info("anti-entropy found diverging segments",
		zap.String("peer", peerID), zap.Int("count", len(mismatched)))

	for _, idx := range mismatched {
		if idx >= len(r.segments) {
			continue
		}
		if err := r.repairSegment(ctx, peerID, r.segments[idx]); err != nil {
			r.logger.Warn("segment repair failed",
				zap.String("peer", peerID), zap.Int("segment", idx), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) repairSegment(ctx context.Context, peerID string, seg Segment) error {
	remote, err := r.peers.FetchSegment(ctx, peerID, seg)
	if err != nil {
		return err
	}
	local, err := r.store.RangeScanWithTombstones(seg.Low, seg.High)
	if err != nil {
		return err
	}
	localByKey := make(map[model.Key]model.Record, len(local))
	for _, rec := range local {
		localByKey[rec.Key] = rec
	}
	for _, rec := range remote {
		cur, ok := localByKey[rec.Key]
		if !ok {
			if err := r.store.Put(rec); err != nil {
				return err
			}
			continue
		}
		resolved := r.resolver.Resolve(cur, rec)
		if recordsEqual(resolved, cur) {
			continue // already converged locally
		}
		if err := r.store.Put(resolved); err != nil {
			return err
		}
	}
	return nil
}

// recordsEqual reports whether a and b already hold the same resolved
// state, so repair doesn't re-apply a record that hasn't actually changed.
func recordsEqual(a, b model.Record) bool {
	return a.Meta.LamportTS == b.Meta.LamportTS &&
		a.Meta.OriginNode == b.Meta.OriginNode &&
		a.Meta.IsTombstone == b.Meta.IsTombstone &&
		bytes.Equal(a.Value, b.Value)
}
