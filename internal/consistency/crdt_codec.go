package consistency

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/pairdb-core/internal/crdt"
)

// envelope tags a serialized value with which CRDT it is, since a
// record's Value is an opaque byte string to everything below this
// package: it may be a raw byte string or the serialized state of a
// CRDT when consistency_mode == crdt.
type envelope struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

const (
	typeGCounter = "gcounter"
	typeORSet    = "orset"
)

// EncodeGCounter wraps a GCounter's state as a record value.
func EncodeGCounter(g *crdt.GCounter) ([]byte, error) {
	state, err := json.Marshal(g.ToMap())
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: typeGCounter, State: state})
}

// EncodeORSet wraps an ORSet's state as a record value.
func EncodeORSet(s *crdt.ORSet) ([]byte, error) {
	state, err := json.Marshal(struct {
		Adds    map[string]map[string]struct{} `json:"adds"`
		Removes map[string]map[string]struct{} `json:"removes"`
	}{Adds: s.Adds, Removes: s.Removes})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: typeORSet, State: state})
}

// MergeValues decodes two envelopes of the same CRDT type and returns
// the merged, re-encoded value.
func MergeValues(a, b []byte) ([]byte, error) {
	var ea, eb envelope
	if err := json.Unmarshal(a, &ea); err != nil {
		return nil, fmt.Errorf("not a crdt envelope: %w", err)
	}
	if err := json.Unmarshal(b, &eb); err != nil {
		return nil, fmt.Errorf("not a crdt envelope: %w", err)
	}
	if ea.Type != eb.Type {
		return nil, fmt.Errorf("mismatched crdt types %q and %q", ea.Type, eb.Type)
	}

	switch ea.Type {
	case typeGCounter:
		return mergeGCounter(ea, eb)
	case typeORSet:
		return mergeORSet(ea, eb)
	default:
		return nil, fmt.Errorf("unknown crdt type %q", ea.Type)
	}
}

func mergeGCounter(ea, eb envelope) ([]byte, error) {
	var sa, sb map[string]uint64
	if err := json.Unmarshal(ea.State, &sa); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eb.State, &sb); err != nil {
		return nil, err
	}
	merged := crdt.GCounterFromMap("", sa)
	merged.Merge(crdt.GCounterFromMap("", sb))
	return EncodeGCounter(merged)
}

func mergeORSet(ea, eb envelope) ([]byte, error) {
	type wire struct {
		Adds    map[string]map[string]struct{} `json:"adds"`
		Removes map[string]map[string]struct{} `json:"removes"`
	}
	var wa, wb wire
	if err := json.Unmarshal(ea.State, &wa); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eb.State, &wb); err != nil {
		return nil, err
	}
	merged := crdt.NewORSet("")
	merged.Adds, merged.Removes = wa.Adds, wa.Removes
	other := crdt.NewORSet("")
	other.Adds, other.Removes = wb.Adds, wb.Removes
	merged.Merge(other)
	return EncodeORSet(merged)
}
