// Package secidx is a process-local secondary index: field -> value ->
// set of primary keys, letting the out-of-scope SQL/query layer resolve
// ListByIndex(field, value) without scanning every SSTable itself.
// Grounded on original_source/database/clustering/global_index_manager.py's
// GlobalIndexManager: the same add_entry/remove_entry/query shape, and the
// same "idx:<field>:<value>:<pk>" marker-key convention for rebuild, kept
// here as a startup-time RangeScan over that prefix instead of a
// segment-by-segment walk since this store has no separate segment
// iterator exposed outside internal/lsm.
package secidx

import (
	"strings"
	"sync"

	"github.com/devrev/pairdb-core/internal/model"
)

const keyPrefix = "idx:"

// Scanner is the local storage capability Rebuild needs, satisfied by
// internal/lsm.Engine.
type Scanner interface {
	RangeScan(low, high string) ([]model.Record, error)
}

// Manager holds the in-memory index for a fixed set of indexable fields,
// decided once at startup the same way the Python original's constructor
// takes its field list up front.
type Manager struct {
	fields map[string]bool

	mu      sync.Mutex
	indexes map[string]map[string]map[model.Key]struct{} // field -> value -> set of pk
}

// New creates a Manager indexing only the given fields; AddEntry/Query
// against any other field is a silent no-op, matching the original's
// "if field not in self.fields: return".
func New(fields []string) *Manager {
	m := &Manager{
		fields:  make(map[string]bool, len(fields)),
		indexes: make(map[string]map[string]map[model.Key]struct{}, len(fields)),
	}
	for _, f := range fields {
		m.fields[f] = true
		m.indexes[f] = map[string]map[model.Key]struct{}{}
	}
	return m
}

// IndexKey builds the marker key an index entry is durably stored under,
// so it rides ordinary replication, compaction, and anti-entropy like any
// other record instead of needing its own persistence path.
func IndexKey(field, value string, pk model.Key) model.Key {
	return model.Key(keyPrefix + field + ":" + value + ":" + string(pk))
}

// AddEntry records field/value -> pk.
func (m *Manager) AddEntry(field, value string, pk model.Key) {
	if !m.fields[field] {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexes[field]
	if idx[value] == nil {
		idx[value] = map[model.Key]struct{}{}
	}
	idx[value][pk] = struct{}{}
}

// RemoveEntry discards field/value -> pk if present.
func (m *Manager) RemoveEntry(field, value string, pk model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[field]
	if !ok {
		return
	}
	keys, ok := idx[value]
	if !ok {
		return
	}
	delete(keys, pk)
	if len(keys) == 0 {
		delete(idx, value)
	}
}

// Query returns every primary key indexed under field/value, satisfying
// ListByIndex(field, value) -> [key].
func (m *Manager) Query(field, value string) []model.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.indexes[field][value]
	out := make([]model.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// Observe updates the index from a record's key if it's an index marker
// key ("idx:<field>:<value>:<pk>"), called on every local Put/Delete so
// the in-memory index stays live without a separate write path. A
// tombstoned marker removes the entry instead of adding it.
func (m *Manager) Observe(r model.Record) {
	field, value, pk, ok := parseMarker(r.Key)
	if !ok {
		return
	}
	if r.Meta.IsTombstone {
		m.RemoveEntry(field, value, pk)
		return
	}
	m.AddEntry(field, value, pk)
}

// Rebuild discards the in-memory index and repopulates it by scanning
// store for every "idx:" marker key, the same full-rescan recovery the
// Python original performs over its segment files on startup.
func (m *Manager) Rebuild(store Scanner) error {
	m.mu.Lock()
	for f := range m.fields {
		m.indexes[f] = map[string]map[model.Key]struct{}{}
	}
	m.mu.Unlock()

	recs, err := store.RangeScan(keyPrefix, keyPrefix+"\xff")
	if err != nil {
		return err
	}
	for _, r := range recs {
		m.Observe(r)
	}
	return nil
}

func parseMarker(key model.Key) (field, value string, pk model.Key, ok bool) {
	s := string(key)
	if !strings.HasPrefix(s, keyPrefix) {
		return "", "", "", false
	}
	parts := strings.SplitN(s[len(keyPrefix):], ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], model.Key(parts[2]), true
}
