// Package replication is the durable per-origin operation log backing
// peer-to-peer catch-up. Every locally-originated write is stamped with a
// monotonic per-node sequence number, appended to a local log, and pushed
// to every peer by a background sender that tracks one cursor per
// (peer, origin) pair. FetchUpdates lets a restarting or lagging peer pull
// everything it's missing by vector instead of waiting for the next push.
// Grounded on internal/hintedhandoff's file-backed, per-destination queue
// and replay loop and internal/antientropy's ticker-driven background
// reconciliation, generalized from "stash one failed write, replay once"
// and "diff whole ranges by Merkle hash" respectively into a continuously
// drained, per-origin sequenced log with its own dedup gate.
package replication

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
)

// ReplicationClient pushes a batch to a peer and pulls anti-entropy
// catch-up from one, satisfied by internal/transport.ReplicationRPC.
type ReplicationClient interface {
	Replicate(ctx context.Context, nodeID string, batch []model.Record) (map[string]uint64, error)
	FetchUpdates(ctx context.Context, nodeID string, lastSeen map[string]uint64) ([]model.Record, error)
}

// Applier lands a record fetched from a peer into local storage,
// satisfied by internal/lsm.Engine.
type Applier interface {
	Put(r model.Record) error
}

// Config controls persistence paths and send cadence.
type Config struct {
	LogPath      string
	LastSeenPath string
	MaxBatchSize int
	SendInterval time.Duration
}

// Log is the per-node replication log: a durable op queue, the
// last_seen version vector it derives dedup from, and per-peer send
// cursors. The same mutex guards all three since updates are small and
// always applied together.
type Log struct {
	logPath      string
	lastSeenPath string
	localOrigin  string
	maxBatch     int
	sendInterval time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	ops      []model.Record    // durable per-origin op queue, oldest first
	lastSeen map[string]uint64 // highest applied seq per origin
	localSeq uint64            // highest seq issued (not necessarily yet applied) for localOrigin
	cursors  map[string]map[string]uint64
	client   ReplicationClient

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Open loads any log and last_seen state persisted from a previous run.
// The peer RPC client is wired in later via SetClient since the pool
// that backs it is constructed after the engine the log feeds.
func Open(cfg Config, localOrigin string, logger *zap.Logger) (*Log, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 256
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 2 * time.Second
	}
	if cfg.LogPath == "" {
		cfg.LogPath = "replication_log.json"
	}
	if cfg.LastSeenPath == "" {
		cfg.LastSeenPath = "last_seen.json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.LogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.IOError("failed to create replication log directory", err)
		}
	}

	l := &Log{
		logPath:      cfg.LogPath,
		lastSeenPath: cfg.LastSeenPath,
		localOrigin:  localOrigin,
		maxBatch:     cfg.MaxBatchSize,
		sendInterval: cfg.SendInterval,
		logger:       logger,
		lastSeen:     map[string]uint64{},
		cursors:      map[string]map[string]uint64{},
		stopCh:       make(chan struct{}),
	}
	if err := l.loadOps(); err != nil {
		return nil, err
	}
	if err := l.loadLastSeen(); err != nil {
		return nil, err
	}
	l.localSeq = l.lastSeen[localOrigin]
	return l, nil
}

func (l *Log) loadOps() error {
	data, err := os.ReadFile(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IOError("failed to read replication log", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &l.ops); err != nil {
		return errors.CorruptData("failed to decode replication log", err)
	}
	return nil
}

func (l *Log) loadLastSeen() error {
	data, err := os.ReadFile(l.lastSeenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IOError("failed to read last_seen", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &l.lastSeen); err != nil {
		return errors.CorruptData("failed to decode last_seen", err)
	}
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Log) persistLocked() {
	if err := writeJSONAtomic(l.logPath, l.ops); err != nil {
		l.logger.Warn("failed to persist replication log", zap.Error(err))
	}
	if err := writeJSONAtomic(l.lastSeenPath, l.lastSeen); err != nil {
		l.logger.Warn("failed to persist last_seen", zap.Error(err))
	}
}

// SetClient wires the peer RPC client discovered after the log was
// opened — the pool it's built from doesn't exist yet when the log is
// constructed, since the log has to be ready to serve as the engine's
// dedup checker before the engine itself opens.
func (l *Log) SetClient(c ReplicationClient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = c
}

// Originate stamps rec with the next local sequence number, identifying
// it as an op this node issued. Sequence numbers are monotonic but not
// necessarily contiguous in the log: a write that never reaches Admit
// (say, the owning partition has no live replicas) simply leaves a gap,
// which is harmless since Admit only requires seq to increase.
func (l *Log) Originate(rec model.Record) model.Record {
	l.mu.Lock()
	l.localSeq++
	seq := l.localSeq
	l.mu.Unlock()
	rec.Meta.OriginNode = l.localOrigin
	rec.Meta.OriginSeq = seq
	return rec
}

// Admit implements internal/lsm.DedupChecker: it admits r only if its
// (origin, seq) advances last_seen[origin], appending it to the durable
// op queue and bumping last_seen as a side effect of admission. A
// redelivery of an already-applied or stale op is rejected, making
// application idempotent under at-least-once delivery and enforcing
// per-origin ordering, since a later seq can never be displaced by an
// earlier one once admitted.
func (l *Log) Admit(r model.Record) bool {
	origin, seq := r.Meta.OriginNode, r.Meta.OriginSeq
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.lastSeen[origin] {
		return false
	}
	l.lastSeen[origin] = seq
	l.ops = append(l.ops, r)
	l.persistLocked()
	return true
}

// Snapshot returns a copy of the current last_seen version vector, sent
// back to a replicate-batch sender as its ack.
func (l *Log) Snapshot() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.lastSeen))
	for k, v := range l.lastSeen {
		out[k] = v
	}
	return out
}

// FetchUpdates returns every locally known op whose (origin, seq) is not
// dominated by requesterLastSeen, ordered by (origin, seq) — the pull
// path a restarting or lagging peer uses to catch up without waiting for
// the next push.
func (l *Log) FetchUpdates(requesterLastSeen map[string]uint64) []model.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Record, 0, len(l.ops))
	for _, rec := range l.ops {
		if rec.Meta.OriginSeq > requesterLastSeen[rec.Meta.OriginNode] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Meta.OriginNode, out[j].Meta.OriginNode
		if oi != oj {
			return oi < oj
		}
		return out[i].Meta.OriginSeq < out[j].Meta.OriginSeq
	})
	return out
}

// RunSender is the background loop: on every tick it pushes each peer
// its missing batch, pulls anything the peer has that this node doesn't,
// and truncates the log once every known peer has acked past a point.
// It blocks until Close.
func (l *Log) RunSender(peerIDs func() []string, applier Applier) {
	ticker := time.NewTicker(l.sendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			peers := peerIDs()
			for _, peer := range peers {
				l.sendTo(peer)
				l.pullFrom(peer, applier)
			}
			l.truncate()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Log) sendTo(peerID string) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return
	}

	batch := l.batchFor(peerID)
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack, err := client.Replicate(ctx, peerID, batch)
	if err != nil {
		l.logger.Warn("replicate batch failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	l.advanceCursor(peerID, ack)
}

func (l *Log) batchFor(peerID string) []model.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor := l.cursors[peerID]
	if cursor == nil {
		cursor = map[string]uint64{}
		l.cursors[peerID] = cursor
	}
	batch := make([]model.Record, 0, l.maxBatch)
	for _, rec := range l.ops {
		if rec.Meta.OriginSeq > cursor[rec.Meta.OriginNode] {
			batch = append(batch, rec)
			if len(batch) >= l.maxBatch {
				break
			}
		}
	}
	return batch
}

func (l *Log) advanceCursor(peerID string, ack map[string]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor := l.cursors[peerID]
	if cursor == nil {
		cursor = map[string]uint64{}
		l.cursors[peerID] = cursor
	}
	for origin, seq := range ack {
		if seq > cursor[origin] {
			cursor[origin] = seq
		}
	}
}

func (l *Log) pullFrom(peerID string, applier Applier) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil || applier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updates, err := client.FetchUpdates(ctx, peerID, l.Snapshot())
	if err != nil {
		l.logger.Warn("fetch updates failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	for _, rec := range updates {
		if err := applier.Put(rec); err != nil {
			l.logger.Debug("fetch-updates apply skipped", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// truncate drops local-origin ops once min_over_peers(last_seen) has
// passed them — every peer has acked them, so this node no longer needs
// to be able to resend them. Only peers that already have a cursor
// entry are counted; a peer whose cursor holds no ack for this node's
// origin pins the minimum at 0, so nothing is dropped until it has acked.
func (l *Log) truncate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cursors) == 0 {
		return
	}

	minAcked := uint64(math.MaxUint64)
	for _, cursor := range l.cursors {
		if seq := cursor[l.localOrigin]; seq < minAcked {
			minAcked = seq
		}
	}
	if minAcked == 0 {
		return
	}

	kept := make([]model.Record, 0, len(l.ops))
	for _, rec := range l.ops {
		if rec.Meta.OriginNode == l.localOrigin && rec.Meta.OriginSeq <= minAcked {
			continue
		}
		kept = append(kept, rec)
	}
	if len(kept) == len(l.ops) {
		return
	}
	l.ops = kept
	if err := writeJSONAtomic(l.logPath, l.ops); err != nil {
		l.logger.Warn("failed to persist truncated replication log", zap.Error(err))
	}
}

// Close stops the background sender.
func (l *Log) Close() {
	l.closeOnce.Do(func() { close(l.stopCh) })
}
