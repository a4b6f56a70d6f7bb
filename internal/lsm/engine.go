// Package lsm composes the write-ahead log, memtable, and SSTables into the
// storage engine: writes land in the WAL and the
// active memtable; flush freezes the memtable and drains it to a new L0
// table; a background compactor merges L0 into leveled L1..Ln. Grounded on
// storage-node's storage service wiring, generalized from its fixed
// single-table-per-level shape to an atomically-swapped per-level slice of
// SSTable readers so readers never observe a partially-installed compaction.
package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/storage/memtable"
	"github.com/devrev/pairdb-core/internal/storage/sstable"
	"github.com/devrev/pairdb-core/internal/storage/wal"
	"github.com/devrev/pairdb-core/internal/workerpool"
)

// Config bundles the per-engine tuning knobs pulled out of config.Config so
// this package doesn't depend on the config package directly.
type Config struct {
	DataDir         string
	WAL             wal.Config
	MemTableMaxSize int64
	FlushInterval   time.Duration
	SSTable         sstable.Config
	L0FileLimit     int
	LevelSizeRatio  int
	CompactWorkers  int
	TombstoneGrace  time.Duration
	Dedup           DedupChecker
	Resolver        Resolver
}

// Resolver picks the winning record between two versions of the same key
// per the configured consistency mode, implemented by
// internal/consistency.New. Defined locally so this package doesn't
// import internal/consistency directly, matching the DedupChecker
// pattern above.
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

// DedupChecker gates application of a write r is allowed to land only
// once per (origin, seq), implemented by internal/replication.Log. A
// record with no origin stamped — a direct engine write outside the
// replicated write path, e.g. internal/txn — always passes, since there
// is no per-origin sequence to dedup against.
type DedupChecker interface {
	Admit(r model.Record) bool
}

// table is one SSTable reader plus the manifest bookkeeping for its id and
// level, the unit moved between levels by flush and compaction.
type table struct {
	id     int64
	level  int
	reader *sstable.Reader
}

// snapshot is the immutable view of on-disk levels readers hold for the
// duration of one read: the SSTable set per level is an
// immutable snapshot pointer; compaction installs a new snapshot
// atomically; readers hold a snapshot reference for the duration of a
// read."
type snapshot struct {
	levels [][]*table // levels[0] is L0: unsorted, overlapping, newest-first.
}

// Engine is the per-node LSM storage engine for one partition's data
// directory.
type Engine struct {
	cfg    Config
	dir    string
	logger *zap.Logger

	wal *wal.WAL

	mu          sync.RWMutex
	active      *memtable.MemTable
	frozen      []*memtable.MemTable
	frozenEpoch map[*memtable.MemTable]int64

	levels atomic.Pointer[snapshot]

	manifestMu sync.Mutex
	manifest   *manifestState

	flushPool *workerpool.Pool
	compactor *compactor

	closeOnce sync.Once
	stopCh    chan struct{}
}

// Open recovers the WAL into a fresh memtable, loads the manifest, opens
// every table it names, and starts the flush and compaction workers.
func Open(dir string, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = lwwResolver{}
	}
	sstDir := filepath.Join(dir, "sst")
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, errors.IOError("failed to create sstable directory", err)
	}

	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	levels := make([][]*table, 1)
	for _, tm := range m.Tables {
		for tm.Level >= len(levels) {
			levels = append(levels, nil)
		}
		r, err := sstable.Open(tablePath(sstDir, tm.ID))
		if err != nil {
			return nil, err
		}
		levels[tm.Level] = append(levels[tm.Level], &table{id: tm.ID, level: tm.Level, reader: r})
	}

	w, err := wal.Open(cfg.WAL, filepath.Join(dir, "wal"), logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		dir:         dir,
		logger:      logger,
		wal:         w,
		active:      memtable.New(),
		frozenEpoch: make(map[*memtable.MemTable]int64),
		manifest:    m,
		stopCh:      make(chan struct{}),
	}
	e.levels.Store(&snapshot{levels: levels})

	if err := wal.Recover(filepath.Join(dir, "wal"), func(rec wal.Record) error {
		return e.applyWALRecord(rec)
	}); err != nil {
		return nil, err
	}

	e.flushPool = workerpool.New(workerpool.Config{Name: "lsm-flush", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	e.compactor = newCompactor(e, logger)
	e.compactor.start()

	go e.flushTicker()

	return e, nil
}

func tablePath(sstDir string, id int64) string {
	return filepath.Join(sstDir, fmt.Sprintf("%d.sst", id))
}

func (e *Engine) applyWALRecord(rec wal.Record) error {
	switch rec.Kind {
	case wal.KindPut, wal.KindDelete:
		r := model.Record{Key: rec.Key, Value: rec.Value, Meta: rec.Meta}
		r.Meta.IsTombstone = rec.Kind == wal.KindDelete
		if cur, ok := e.active.Get(r.Key); ok {
			r = e.cfg.Resolver.Resolve(cur, r)
		}
		e.active.Put(r)
	default:
		// Transaction markers are replayed by internal/txn, not the engine.
	}
	return nil
}

// Put durably appends r to the WAL, then applies it to the active
// memtable. A record stamped with an origin is first run through the
// dedup gate: a redelivery of an already-applied (origin, seq) is
// rejected instead of being re-applied, making writes idempotent under
// at-least-once replication.
func (e *Engine) Put(r model.Record) error {
	if e.cfg.Dedup != nil && r.Meta.OriginNode != "" && !e.cfg.Dedup.Admit(r) {
		return errors.DuplicateOp(string(r.OpID()))
	}
	if err := e.wal.Append(wal.Record{Kind: wal.KindPut, Key: r.Key, Value: r.Value, Meta: r.Meta}); err != nil {
		return err
	}
	e.mu.Lock()
	if cur, ok := e.active.Get(r.Key); ok {
		r = e.cfg.Resolver.Resolve(cur, r)
	}
	e.active.Put(r)
	e.mu.Unlock()
	e.maybeFlush()
	return nil
}

// Delete durably appends a tombstone to the WAL, then applies it,
// subject to the same dedup gate as Put.
func (e *Engine) Delete(key model.Key, meta model.Meta) error {
	meta.IsTombstone = true
	if e.cfg.Dedup != nil && meta.OriginNode != "" {
		tomb := model.Record{Key: key, Meta: meta}
		if !e.cfg.Dedup.Admit(tomb) {
			return errors.DuplicateOp(string(tomb.OpID()))
		}
	}
	if err := e.wal.Append(wal.Record{Kind: wal.KindDelete, Key: key, Meta: meta}); err != nil {
		return err
	}
	e.mu.Lock()
	tomb := model.Record{Key: key, Meta: meta}
	if cur, ok := e.active.Get(key); ok {
		tomb = e.cfg.Resolver.Resolve(cur, tomb)
	}
	e.active.Put(tomb)
	e.mu.Unlock()
	e.maybeFlush()
	return nil
}

// AppendTxMarker writes a transaction boundary record (begin/prepare/
// commit/abort) to the WAL without touching the memtable; internal/txn
// uses this so a crash mid-transaction is recoverable from the log
// alone, same durability boundary as a data write.
func (e *Engine) AppendTxMarker(kind wal.Kind, txID string) error {
	return e.wal.Append(wal.Record{Kind: kind, TxID: txID})
}

// Get resolves key across the active memtable, frozen memtables, and every
// on-disk level, newest source first, folding every version found through
// the configured Resolver (LWW, vector, or CRDT join) unless the winner is
// a tombstone.
func (e *Engine) Get(key model.Key) (model.Record, bool, error) {
	var best model.Record
	found := false

	consider := func(r model.Record) {
		if !found {
			best = r
			found = true
			return
		}
		best = e.cfg.Resolver.Resolve(best, r)
	}

	e.mu.RLock()
	if r, ok := e.active.Get(key); ok {
		consider(r)
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		if r, ok := e.frozen[i].Get(key); ok {
			consider(r)
		}
	}
	e.mu.RUnlock()

	snap := e.levels.Load()
	for _, level := range snap.levels {
		for i := len(level) - 1; i >= 0; i-- {
			t := level[i]
			minK, maxK := t.reader.KeyRange()
			if string(key) < minK || string(key) > maxK {
				continue
			}
			r, ok, err := t.reader.Get(key)
			if err != nil {
				return model.Record{}, false, err
			}
			if ok {
				consider(r)
			}
		}
	}

	if !found || best.Meta.IsTombstone {
		return model.Record{}, false, nil
	}
	return best, true, nil
}

// RangeScan merges every source in [low, high) and returns the resolved,
// non-tombstone record per key in ascending order.
func (e *Engine) RangeScan(low, high string) ([]model.Record, error) {
	merged, err := e.mergeSources(low, high)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(merged))
	for _, r := range merged {
		if !r.Meta.IsTombstone {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RangeScanWithTombstones is RangeScan without the tombstone filter,
// giving anti-entropy the same view of deletes that Get/RangeScan resolve
// against so a delete's Merkle leaf and segment payload aren't silently
// dropped from the comparison. A tombstone stays visible here for as
// long as compaction retains it (cfg.TombstoneGrace), the same window
// anti-entropy has to reconcile it before it's gone for good.
func (e *Engine) RangeScanWithTombstones(low, high string) ([]model.Record, error) {
	merged, err := e.mergeSources(low, high)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// mergeSources folds every source in [low, high) — active memtable,
// frozen memtables, and every on-disk level — through the configured
// Resolver, keyed by key, including tombstones. Callers decide whether
// to filter tombstones out.
func (e *Engine) mergeSources(low, high string) (map[string]model.Record, error) {
	merged := map[string]model.Record{}
	apply := func(rs []model.Record) {
		for _, r := range rs {
			k := string(r.Key)
			cur, ok := merged[k]
			if !ok {
				merged[k] = r
				continue
			}
			merged[k] = e.cfg.Resolver.Resolve(cur, r)
		}
	}

	e.mu.RLock()
	apply(e.active.RangeScan(low, high))
	for _, ft := range e.frozen {
		apply(ft.RangeScan(low, high))
	}
	e.mu.RUnlock()

	snap := e.levels.Load()
	for _, level := range snap.levels {
		for _, t := range level {
			minK, maxK := t.reader.KeyRange()
			if high != "" && minK >= high {
				continue
			}
			if maxK < low {
				continue
			}
			rs, err := t.reader.RangeScan(low, high)
			if err != nil {
				return nil, err
			}
			apply(rs)
		}
	}
	return merged, nil
}

func (e *Engine) maybeFlush() {
	e.mu.Lock()
	if e.active.SizeBytes() < e.cfg.MemTableMaxSize {
		e.mu.Unlock()
		return
	}
	toFlush := e.active
	flushEpoch := e.wal.Epoch()
	e.frozen = append(e.frozen, toFlush)
	e.frozenEpoch[toFlush] = flushEpoch
	e.active = memtable.New()
	if err := e.wal.Rotate(time.Now().UnixNano()); err != nil {
		e.logger.Error("failed to rotate wal on flush", zap.Error(err))
	}
	e.mu.Unlock()

	err := e.flushPool.Submit(workerpool.Task{
		ID: "flush",
		Fn: func(ctx context.Context) error { return e.flush(toFlush) },
	})
	if err != nil {
		e.logger.Error("failed to submit flush task", zap.Error(err))
	}
}

func (e *Engine) flushTicker() {
	interval := e.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.RLock()
			age := e.active.Age()
			empty := e.active.Len() == 0
			e.mu.RUnlock()
			if !empty && age >= interval {
				e.maybeFlush()
			}
		case <-e.stopCh:
			return
		}
	}
}

// flush drains mt's sorted records into a new L0 SSTable and installs it,
// then drops mt from the frozen list.
func (e *Engine) flush(mt *memtable.MemTable) error {
	records := mt.IterInOrder()
	if len(records) == 0 {
		e.dropFrozen(mt)
		if err := e.wal.Recycle(e.oldestLiveEpoch()); err != nil {
			e.logger.Error("failed to recycle wal segments", zap.Error(err))
		}
		return nil
	}

	e.manifestMu.Lock()
	id := e.manifest.NextTableID
	e.manifest.NextTableID++
	e.manifestMu.Unlock()

	sstDir := filepath.Join(e.dir, "sst")
	w, err := sstable.New(tablePath(sstDir, id), e.cfg.SSTable, len(records))
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Finalize(); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	reader, err := sstable.Open(tablePath(sstDir, id))
	if err != nil {
		return err
	}

	e.installTable(&table{id: id, level: 0, reader: reader}, nil)
	e.dropFrozen(mt)
	e.logger.Info("flushed memtable to sstable", zap.Int64("table_id", id), zap.Int("records", len(records)))

	if err := e.wal.Recycle(e.oldestLiveEpoch()); err != nil {
		e.logger.Error("failed to recycle wal segments", zap.Error(err))
	}

	e.compactor.maybeTrigger()
	return nil
}

func (e *Engine) dropFrozen(mt *memtable.MemTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.frozenEpoch, mt)
	for i, f := range e.frozen {
		if f == mt {
			e.frozen = append(e.frozen[:i], e.frozen[i+1:]...)
			return
		}
	}
}

// oldestLiveEpoch is the epoch of the oldest memtable (active or still
// frozen) that has not yet been durably flushed to an SSTable. Any WAL
// segment older than this can never be needed for recovery again.
func (e *Engine) oldestLiveEpoch() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	oldest := e.wal.Epoch()
	for _, ep := range e.frozenEpoch {
		if ep < oldest {
			oldest = ep
		}
	}
	return oldest
}

// installTable atomically swaps in a new levels snapshot: removes every
// table in remove, adds add, and persists the manifest. Called by flush
// (remove == nil) and by compaction (remove == inputs, add == outputs).
func (e *Engine) installTable(add *table, remove []*table) {
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()

	cur := e.levels.Load()
	next := make([][]*table, len(cur.levels))
	copy(next, cur.levels)

	removeSet := map[int64]bool{}
	for _, t := range remove {
		removeSet[t.id] = true
	}
	for lvl := range next {
		filtered := make([]*table, 0, len(next[lvl]))
		for _, t := range next[lvl] {
			if !removeSet[t.id] {
				filtered = append(filtered, t)
			}
		}
		next[lvl] = filtered
	}
	if add != nil {
		for add.level >= len(next) {
			next = append(next, nil)
		}
		next[add.level] = append(next[add.level], add)
	}

	e.levels.Store(&snapshot{levels: next})
	e.rebuildManifestLocked(next)

	for _, t := range remove {
		t.reader.Close()
		os.Remove(tablePath(filepath.Join(e.dir, "sst"), t.id))
		os.Remove(tablePath(filepath.Join(e.dir, "sst"), t.id) + ".idx")
		os.Remove(tablePath(filepath.Join(e.dir, "sst"), t.id) + ".bloom")
		os.Remove(tablePath(filepath.Join(e.dir, "sst"), t.id) + ".meta")
	}
}

func (e *Engine) rebuildManifestLocked(levels [][]*table) {
	var tables []tableMeta
	for _, level := range levels {
		for _, t := range level {
			minK, maxK := t.reader.KeyRange()
			tables = append(tables, tableMeta{ID: t.id, Level: t.level, MinK: minK, MaxK: maxK})
		}
	}
	e.manifest.Tables = tables
	if err := e.manifest.save(e.dir); err != nil {
		e.logger.Error("failed to save manifest", zap.Error(err))
	}
}

// snapshotLevels exposes the current level layout to the compactor.
func (e *Engine) snapshotLevels() [][]*table {
	return e.levels.Load().levels
}

// Close stops background workers and closes the WAL.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.compactor.stop()
		e.flushPool.Stop(30 * time.Second)
	})
	return e.wal.Close()
}
