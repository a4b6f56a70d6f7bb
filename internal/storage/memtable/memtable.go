package memtable

import (
	"sync"
	"time"

	"github.com/devrev/pairdb-core/internal/model"
)

// MemTable is the sorted associative structure backing the engine's
// writable buffer:
// put/delete/get/range_scan/iter_in_order over composite keys, guarded by
// a reader-writer lock so flush can swap the pointer under exclusive lock
// and then proceed lock-free on the frozen table.
type MemTable struct {
	mu        sync.RWMutex
	list      *skipList
	sizeBytes int64
	createdAt time.Time
}

func New() *MemTable {
	return &MemTable{list: newSkipList(), createdAt: time.Now()}
}

// Put inserts or overwrites a record (possibly a tombstone).
func (m *MemTable) Put(r model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.insert(string(r.Key), r)
	m.sizeBytes += entrySize(r)
}

// Delete inserts a tombstone record for key.
func (m *MemTable) Delete(key model.Key, meta model.Meta) {
	meta.IsTombstone = true
	m.Put(model.Record{Key: key, Meta: meta})
}

// Get returns the record for key, if present in this table.
func (m *MemTable) Get(key model.Key) (model.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.search(string(key))
}

// RangeScan returns every record with low <= key < high (high == "" means
// unbounded) in ascending order.
func (m *MemTable) RangeScan(low, high string) []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Record{}
	it := m.list.rangeFrom(low)
	for it.Next() {
		if high != "" && it.Key() >= high {
			break
		}
		out = append(out, it.Record())
	}
	return out
}

// IterInOrder returns every record in ascending key order.
func (m *MemTable) IterInOrder() []model.Record {
	return m.RangeScan("", "")
}

// Len returns the number of distinct keys.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.len()
}

// SizeBytes is an approximation used against memtable_threshold.
func (m *MemTable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Age is used against flush_interval.
func (m *MemTable) Age() time.Duration {
	return time.Since(m.createdAt)
}

func entrySize(r model.Record) int64 {
	return int64(len(r.Key) + len(r.Value) + 64)
}
