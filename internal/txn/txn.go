// Package txn provides multi-key transactions over internal/lsm.Engine.
// Two isolation strategies are selectable via the transaction config's
// LockStrategy ("optimistic", the default, or "2pl"): optimistic
// concurrency control validates
// the read set at commit time; two-phase locking acquires per-key
// exclusive locks as keys are touched. Both bracket their writes with
// the WAL's KindTxBegin/KindTxCommit/KindTxAbort markers
// (internal/storage/wal) so a crash mid-commit leaves the log
// unambiguous about whether the transaction's writes should be
// considered durable. There's no existing transaction manager
// elsewhere in the codebase to ground this on, so it follows ordinary
// Go concurrency idiom (mutex-guarded maps, explicit
// Begin/Commit/Abort) rather than mimicking a specific source file.
package txn

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/clock"
	"github.com/devrev/pairdb-core/internal/errors"
	"github.com/devrev/pairdb-core/internal/model"
	"github.com/devrev/pairdb-core/internal/storage/wal"
)

// Strategy selects how conflicting concurrent transactions are handled.
type Strategy string

const (
	StrategyOptimistic Strategy = "optimistic"
	Strategy2PL        Strategy = "2pl"
)

// Store is the subset of internal/lsm.Engine a transaction needs.
type Store interface {
	Get(key model.Key) (model.Record, bool, error)
	Put(r model.Record) error
	Delete(key model.Key, meta model.Meta) error
	AppendTxMarker(kind wal.Kind, txID string) error
}

// Config controls isolation strategy and lock wait behavior.
type Config struct {
	Strategy   Strategy
	LockWait   time.Duration
	OriginNode string
}

// Manager coordinates transactions against one Store. Commit is
// serialized through a single mutex: this is a single-node store, so
// multi-key atomicity only needs to exclude other local transactions,
// not a distributed coordinator.
type Manager struct {
	store    Store
	clock    *clock.Lamport
	cfg      Config
	logger   *zap.Logger
	commitMu sync.Mutex
	locks    *lockTable
	seq      uint64
	seqMu    sync.Mutex
}

func New(store Store, lamport *clock.Lamport, cfg Config, logger *zap.Logger) *Manager {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lamport == nil {
		lamport = clock.NewLamport()
	}
	return &Manager{store: store, clock: lamport, cfg: cfg, logger: logger, locks: newLockTable()}
}

func (m *Manager) nextTxID() string {
	m.seqMu.Lock()
	m.seq++
	id := m.seq
	m.seqMu.Unlock()
	return fmt.Sprintf("%s:tx:%d", m.cfg.OriginNode, id)
}

// Txn is an open, uncommitted transaction. Not safe for concurrent use
// by multiple goroutines.
type Txn struct {
	id       string
	mgr      *Manager
	started  bool
	snapshot uint64 // Lamport time at BeginTransaction, per spec §4.12

	reads   map[model.Key]uint64 // lamport ts observed at first read, 0 if not found
	writes  map[model.Key]model.Record
	deletes map[model.Key]model.Meta

	heldLocks []model.Key
}

// Snapshot returns the Lamport timestamp captured when this transaction
// began.
func (t *Txn) Snapshot() uint64 {
	return t.snapshot
}

// ID returns the transaction's identifier, stable for its lifetime.
func (t *Txn) ID() string {
	return t.id
}

// Begin opens a new transaction. For 2PL, locks are acquired lazily on
// first touch of each key, not all at once here.
func (m *Manager) Begin() *Txn {
	return &Txn{
		id:       m.nextTxID(),
		mgr:      m,
		snapshot: m.clock.Peek(),
		reads:    make(map[model.Key]uint64),
		writes:   make(map[model.Key]model.Record),
		deletes:  make(map[model.Key]model.Meta),
	}
}

func (t *Txn) touch(key model.Key) error {
	if t.mgr.cfg.Strategy != Strategy2PL {
		return nil
	}
	if !t.mgr.locks.tryAcquire(key, t.id, t.mgr.cfg.LockWait) {
		return errors.Timeout(fmt.Sprintf("lock wait timed out for key %s", key))
	}
	t.heldLocks = append(t.heldLocks, key)
	return nil
}

// Get reads key through any buffered write in this transaction first,
// falling back to the store; the read's Lamport timestamp is recorded
// for optimistic validation at commit.
func (t *Txn) Get(key model.Key) (model.Record, bool, error) {
	if rec, ok := t.writes[key]; ok {
		return rec, true, nil
	}
	if _, ok := t.deletes[key]; ok {
		return model.Record{}, false, nil
	}
	if err := t.touch(key); err != nil {
		return model.Record{}, false, err
	}

	rec, found, err := t.mgr.store.Get(key)
	if err != nil {
		return model.Record{}, false, err
	}
	if _, seen := t.reads[key]; !seen {
		if found {
			t.reads[key] = rec.Meta.LamportTS
		} else {
			t.reads[key] = 0
		}
	}
	return rec, found, nil
}

// Put buffers a write, applied only on Commit.
func (t *Txn) Put(r model.Record) error {
	if err := t.touch(r.Key); err != nil {
		return err
	}
	r.Meta.TxID = t.id
	t.writes[r.Key] = r
	delete(t.deletes, r.Key)
	return nil
}

// Delete buffers a tombstone, applied only on Commit.
func (t *Txn) Delete(key model.Key, meta model.Meta) error {
	if err := t.touch(key); err != nil {
		return err
	}
	meta.TxID = t.id
	meta.IsTombstone = true
	t.deletes[key] = meta
	delete(t.writes, key)
	return nil
}

// Commit validates (optimistic mode) and applies the transaction's
// buffered writes, bracketed by WAL tx markers.
func (t *Txn) Commit() error {
	t.mgr.commitMu.Lock()
	defer t.mgr.commitMu.Unlock()
	defer t.releaseLocks()

	if t.mgr.cfg.Strategy == StrategyOptimistic {
		if err := t.validate(); err != nil {
			t.abortMarker()
			return err
		}
	}

	if err := t.mgr.store.AppendTxMarker(wal.KindTxBegin, t.id); err != nil {
		return err
	}
	commitTS := t.mgr.clock.Tick()
	for key, rec := range t.writes {
		rec.Meta.LamportTS = commitTS
		if err := t.mgr.store.Put(rec); err != nil {
			t.mgr.store.AppendTxMarker(wal.KindTxAbort, t.id)
			return fmt.Errorf("commit failed writing key %s: %w", key, err)
		}
	}
	for key, meta := range t.deletes {
		meta.LamportTS = commitTS
		if err := t.mgr.store.Delete(key, meta); err != nil {
			t.mgr.store.AppendTxMarker(wal.KindTxAbort, t.id)
			return fmt.Errorf("commit failed deleting key %s: %w", key, err)
		}
	}
	return t.mgr.store.AppendTxMarker(wal.KindTxCommit, t.id)
}

// validate re-reads every key this transaction observed and fails the
// commit if any has advanced past the Lamport timestamp seen at read
// time — a concurrent writer got there first.
func (t *Txn) validate() error {
	for key, seenTS := range t.reads {
		rec, found, err := t.mgr.store.Get(key)
		if err != nil {
			return err
		}
		curTS := uint64(0)
		if found {
			curTS = rec.Meta.LamportTS
		}
		if curTS != seenTS {
			return errors.SerializationConflict(string(key))
		}
	}
	return nil
}

func (t *Txn) abortMarker() {
	t.mgr.store.AppendTxMarker(wal.KindTxAbort, t.id)
}

// Abort discards every buffered write without applying it.
func (t *Txn) Abort() error {
	defer t.releaseLocks()
	return t.mgr.store.AppendTxMarker(wal.KindTxAbort, t.id)
}

func (t *Txn) releaseLocks() {
	for _, key := range t.heldLocks {
		t.mgr.locks.release(key, t.id)
	}
	t.heldLocks = nil
}
