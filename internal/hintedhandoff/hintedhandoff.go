// Package hintedhandoff stashes writes meant for a currently-unreachable
// replica and replays them once that replica is live again (the
// sloppy-quorum complement). Grounded on
// coordinator/internal/service/hintedhandoff_service.go's per-node hint
// list and replay loop, adapted from an in-memory map (that coordinator
// is stateless between restarts) to a file-backed queue per node so
// hints survive a coordinator restart, since this design merges
// coordinator and storage-node into one process with no external
// metadata store to lean on.
package hintedhandoff

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/model"
)

// Writer delivers a hinted record to its destination node, satisfied by
// internal/transport.ReplicaRPC.
type Writer interface {
	DeliverHint(ctx context.Context, nodeID string, r model.Record) error
}

// LivenessChecker reports whether a node can currently accept deliveries.
type LivenessChecker interface {
	IsLive(nodeID string) bool
}

type hint struct {
	Record    model.Record `json:"record"`
	StoredAt  time.Time    `json:"stored_at"`
	Retries   int          `json:"retries"`
}

// Queue is a file-backed, per-node hint queue.
type Queue struct {
	dir      string
	logger   *zap.Logger
	writer   Writer
	liveness LivenessChecker
	maxHints int
	ttl      time.Duration
	maxRetry int

	mu    sync.Mutex
	hints map[string][]hint

	ticker *time.Ticker
	stopCh chan struct{}
}

// Config controls hint retention and replay cadence.
type Config struct {
	Dir            string
	MaxPerNode     int
	TTL            time.Duration
	ReplayInterval time.Duration
	MaxRetries     int
}

// Open loads any hints persisted from a previous run and starts the
// replay loop.
func Open(cfg Config, writer Writer, liveness LivenessChecker, logger *zap.Logger) (*Queue, error) {
	if cfg.MaxPerNode <= 0 {
		cfg.MaxPerNode = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Hour
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create hints directory: %w", err)
	}

	q := &Queue{
		dir: cfg.Dir, logger: logger, writer: writer, liveness: liveness,
		maxHints: cfg.MaxPerNode, ttl: cfg.TTL, maxRetry: cfg.MaxRetries,
		hints: make(map[string][]hint), stopCh: make(chan struct{}),
	}
	if err := q.loadAll(); err != nil {
		return nil, err
	}
	q.ticker = time.NewTicker(cfg.ReplayInterval)
	go q.replayLoop()
	return q, nil
}

func (q *Queue) hintFile(nodeID string) string {
	return filepath.Join(q.dir, nodeID+".hints")
}

func (q *Queue) loadAll() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".hints" {
			continue
		}
		nodeID := name[:len(name)-len(".hints")]
		hints, err := q.readFile(q.hintFile(nodeID))
		if err != nil {
			q.logger.Warn("failed to load hints", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		if len(hints) > 0 {
			q.hints[nodeID] = hints
		}
	}
	return nil
}

func (q *Queue) readFile(path string) ([]hint, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []hint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var h hint
		if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (q *Queue) persist(nodeID string) {
	path := q.hintFile(nodeID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		q.logger.Warn("failed to persist hints", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	enc := json.NewEncoder(f)
	for _, h := range q.hints[nodeID] {
		if err := enc.Encode(h); err != nil {
			q.logger.Warn("failed to encode hint", zap.Error(err))
		}
	}
	f.Close()
	os.Rename(tmp, path)
}

// Stash satisfies internal/quorum.HintSink.
func (q *Queue) Stash(nodeID string, r model.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.hints[nodeID]
	if len(list) >= q.maxHints {
		list = list[1:]
	}
	list = append(list, hint{Record: r, StoredAt: time.Now()})
	q.hints[nodeID] = list
	q.persist(nodeID)
	return nil
}

// SetLiveness replaces the liveness checker the queue was opened with.
func (q *Queue) SetLiveness(l LivenessChecker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.liveness = l
}

// Count returns the number of pending hints for nodeID.
func (q *Queue) Count(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.hints[nodeID])
}

func (q *Queue) replayLoop() {
	for {
		select {
		case <-q.ticker.C:
			q.replayAll()
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) replayAll() {
	q.mu.Lock()
	nodeIDs := make([]string, 0, len(q.hints))
	for nodeID := range q.hints {
		nodeIDs = append(nodeIDs, nodeID)
	}
	liveness := q.liveness
	q.mu.Unlock()

	for _, nodeID := range nodeIDs {
		if liveness != nil && !liveness.IsLive(nodeID) {
			continue
		}
		q.replayNode(nodeID)
	}
}

func (q *Queue) replayNode(nodeID string) {
	q.mu.Lock()
	pending := append([]hint(nil), q.hints[nodeID]...)
	q.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	var kept []hint
	for _, h := range pending {
		if time.Since(h.StoredAt) > q.ttl {
			continue // expired
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := q.writer.DeliverHint(ctx, nodeID, h.Record)
		cancel()
		if err == nil {
			continue // delivered
		}
		h.Retries++
		if h.Retries >= q.maxRetry {
			q.logger.Warn("dropping hint after max retries", zap.String("node_id", nodeID))
			continue
		}
		kept = append(kept, h)
	}

	q.mu.Lock()
	if len(kept) == 0 {
		delete(q.hints, nodeID)
	} else {
		q.hints[nodeID] = kept
	}
	q.persist(nodeID)
	q.mu.Unlock()
}

// ClearNode drops every hint for nodeID, used when a node is permanently
// removed from the cluster.
func (q *Queue) ClearNode(nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.hints, nodeID)
	os.Remove(q.hintFile(nodeID))
}

// Close stops the replay loop.
func (q *Queue) Close() {
	close(q.stopCh)
	q.ticker.Stop()
}
