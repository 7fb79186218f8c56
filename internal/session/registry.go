package session

import (
	"fmt"
	"sort"
)

// Registry is the fixed-capacity session slot table spec.md §4.7 requires
// ("allocate a session slot (reject with a configured 'full' message if
// none)"). Grounded on the teacher's SessionRegistry (a map keyed by node
// ID), generalized to a capacity-bounded allocator rather than an unbounded
// map, since accept() handling must be able to refuse once the table fills.
type Registry struct {
	slots    []*Session
	nextID   int
	Capacity int
}

// NewRegistry constructs a Registry with room for capacity concurrent
// sessions.
func NewRegistry(capacity int) *Registry {
	return &Registry{slots: make([]*Session, capacity), Capacity: capacity}
}

// ErrFull is returned by Allocate when every slot is occupied.
var ErrFull = fmt.Errorf("session registry: no free slots")

// Allocate finds a free slot for s, assigns s.ID to the slot index, and
// registers it. It returns ErrFull if the table is at capacity.
func (r *Registry) Allocate(s *Session) error {
	for i, slot := range r.slots {
		if slot == nil {
			s.ID = i
			r.slots[i] = s
			return nil
		}
	}
	return ErrFull
}

// Free releases the slot held by id.
func (r *Registry) Free(id int) {
	if id < 0 || id >= len(r.slots) {
		return
	}
	r.slots[id] = nil
}

// Get returns the session in slot id, or nil.
func (r *Registry) Get(id int) *Session {
	if id < 0 || id >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// ListActive returns all occupied slots, ordered by ID, matching the
// teacher's ListActive sort-by-NodeID behavior.
func (r *Registry) ListActive() []*Session {
	out := make([]*Session, 0, len(r.slots))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// SetSnoop links snooper to observe target, implementing spec.md §4.8: the
// link is rejected if it would form a cycle, found by walking target's
// SnoopOn chain looking for snooper.
func SetSnoop(snooper, target *Session) error {
	for cur := target.SnoopOn; cur != nil; cur = cur.SnoopOn {
		if cur == snooper {
			return fmt.Errorf("session: snoop would form a cycle")
		}
	}
	target.SnoopBy = snooper
	snooper.SnoopOn = target
	return nil
}

// ClearSnoop dissolves the snoop relationship in both directions.
func ClearSnoop(snooper, target *Session) {
	if target.SnoopBy == Host(snooper) {
		target.SnoopBy = nil
	}
	if snooper.SnoopOn == target {
		snooper.SnoopOn = nil
	}
}
