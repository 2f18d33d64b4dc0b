// Package registry is the registration table: for each topic filter, the
// callback registered by each local member.
//
// Writers (Register, Remove) are serialized; Matching reads lock-free and
// returns a snapshot, so callbacks may register or unregister while a message
// is being dispatched.
package registry

import (
	"errors"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/tandem/internal/election"
	"github.com/casualjim/tandem/internal/topics"
)

var ErrDuplicateRegistration = errors.New("callback already registered for this member and topic")

// Entry is one member's registration on a filter. Deliver is invoked by the
// delivery gate when the policy lets a message through.
type Entry[M any] struct {
	ContextID  string
	Filter     string
	Deliver    func(M)
	Idempotent bool
	View       func() election.Leadership
}

// Table maps filter -> context id -> entry.
type Table[M any] struct {
	mu      sync.Mutex
	filters *haxmap.Map[string, *haxmap.Map[string, *Entry[M]]]
}

// New creates an empty table.
func New[M any]() *Table[M] {
	return &Table[M]{
		filters: haxmap.New[string, *haxmap.Map[string, *Entry[M]]](),
	}
}

// Register adds e. A second registration for the same filter and context id is
// rejected and the existing entry is kept.
func (t *Table[M]) Register(e *Entry[M]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, _ := t.filters.GetOrCompute(e.Filter, func() *haxmap.Map[string, *Entry[M]] {
		return haxmap.New[string, *Entry[M]]()
	})
	if _, loaded := entries.GetOrSet(e.ContextID, e); loaded {
		return ErrDuplicateRegistration
	}
	return nil
}

// Remove deletes the entry and reports how many entries remain on the filter.
func (t *Table[M]) Remove(filter, contextID string) (remaining int, removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.filters.Get(filter)
	if !ok {
		return 0, false
	}
	if _, ok := entries.Get(contextID); ok {
		entries.Del(contextID)
		removed = true
	}
	remaining = int(entries.Len())
	if remaining == 0 {
		t.filters.Del(filter)
	}
	return remaining, removed
}

// Len returns the number of entries on filter.
func (t *Table[M]) Len(filter string) int {
	entries, ok := t.filters.Get(filter)
	if !ok {
		return 0
	}
	return int(entries.Len())
}

// Matching returns a snapshot of the entries whose filter matches topic.
func (t *Table[M]) Matching(topic string) []*Entry[M] {
	var out []*Entry[M]
	t.filters.ForEach(func(filter string, entries *haxmap.Map[string, *Entry[M]]) bool {
		if !topics.Match(filter, topic) {
			return true
		}
		entries.ForEach(func(_ string, e *Entry[M]) bool {
			if e != nil {
				out = append(out, e)
			}
			return true
		})
		return true
	})
	return out
}
