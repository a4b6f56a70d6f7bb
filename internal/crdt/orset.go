package crdt

import (
	"fmt"
	"time"
)

// ORSet is an observed-remove set: each add/remove carries a unique tag,
// and an element is a current member iff it has at least one add tag not
// also present in removes. Grounded on original_source/crdt.py's ORSet.
type ORSet struct {
	ReplicaID string
	Adds      map[string]map[string]struct{}
	Removes   map[string]map[string]struct{}
}

func NewORSet(replicaID string) *ORSet {
	return &ORSet{
		ReplicaID: replicaID,
		Adds:      make(map[string]map[string]struct{}),
		Removes:   make(map[string]map[string]struct{}),
	}
}

func (s *ORSet) nextTag() string {
	return fmt.Sprintf("%s:%d", s.ReplicaID, time.Now().UnixMilli())
}

// Op is a single add/remove mutation, replicated as a CRDT op rather than
// as a state snapshot to keep messages small.
type Op struct {
	Add     bool
	Element string
	Tag     string
}

// Add tags element as present and returns the op for replication.
func (s *ORSet) Add(element string) Op {
	tag := s.nextTag()
	s.Apply(Op{Add: true, Element: element, Tag: tag})
	return Op{Add: true, Element: element, Tag: tag}
}

// Remove tags every add-tag currently known for element as removed.
func (s *ORSet) Remove(element string) []Op {
	ops := make([]Op, 0, len(s.Adds[element]))
	for tag := range s.Adds[element] {
		s.Apply(Op{Add: false, Element: element, Tag: tag})
		ops = append(ops, Op{Add: false, Element: element, Tag: tag})
	}
	return ops
}

// Apply applies a remote or local op idempotently.
func (s *ORSet) Apply(op Op) {
	target := s.Adds
	if !op.Add {
		target = s.Removes
	}
	set, ok := target[op.Element]
	if !ok {
		set = make(map[string]struct{})
		target[op.Element] = set
	}
	set[op.Tag] = struct{}{}
}

// Value returns the elements currently present: those with an add-tag not
// shadowed by a matching remove-tag.
func (s *ORSet) Value() []string {
	out := make([]string, 0, len(s.Adds))
	for element, addTags := range s.Adds {
		removed := s.Removes[element]
		live := false
		for tag := range addTags {
			if _, gone := removed[tag]; !gone {
				live = true
				break
			}
		}
		if live {
			out = append(out, element)
		}
	}
	return out
}

// Merge unions the add/remove tag sets of other into s — the join that
// makes ORSet a CRDT.
func (s *ORSet) Merge(other *ORSet) {
	mergeInto(s.Adds, other.Adds)
	mergeInto(s.Removes, other.Removes)
}

func mergeInto(dst, src map[string]map[string]struct{}) {
	for element, tags := range src {
		set, ok := dst[element]
		if !ok {
			set = make(map[string]struct{})
			dst[element] = set
		}
		for tag := range tags {
			set[tag] = struct{}{}
		}
	}
}
