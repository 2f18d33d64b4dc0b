// Package subscriptions tracks the network-level subscriptions a client wants,
// reference counted per topic filter.
//
// An entry exists iff its reference count is positive. The table remembers
// insertion order so subscriptions are replayed in a stable order after a
// reconnect. Table is safe for concurrent use.
package subscriptions

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry is a snapshot of one tracked subscription.
type Entry struct {
	Topic string
	QoS   uint8
	Refs  int
}

// Table is the reference-counted subscription table.
type Table struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, *Entry]
}

// New creates an empty table.
func New() *Table {
	return &Table{entries: orderedmap.New[string, *Entry]()}
}

// Acquire adds a reference to topic. It reports whether the network
// subscription needs to be (re)issued: the topic is new, or qos is higher than
// any previously requested QoS for it.
func (t *Table) Acquire(topic string, qos uint8) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries.Get(topic)
	if !ok {
		e = &Entry{Topic: topic, QoS: qos, Refs: 1}
		t.entries.Set(topic, e)
		return *e, true
	}
	e.Refs++
	if qos > e.QoS {
		e.QoS = qos
		return *e, true
	}
	return *e, false
}

// Release drops a reference to topic. It reports whether that was the last
// reference, in which case the entry is removed. Releasing an unknown topic is
// a no-op.
func (t *Table) Release(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries.Get(topic)
	if !ok {
		return false
	}
	e.Refs--
	if e.Refs > 0 {
		return false
	}
	t.entries.Delete(topic)
	return true
}

// Get returns the entry for topic.
func (t *Table) Get(topic string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries.Get(topic)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every tracked entry in insertion order.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.entries.Len())
	for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// Len returns the number of tracked topics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Clear drops every entry.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = orderedmap.New[string, *Entry]()
}
