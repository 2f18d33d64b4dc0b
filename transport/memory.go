package transport

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/casualjim/tandem/internal/topics"
)

const defaultInboxSize = 256

// Op is a network-level operation recorded by the memory broker.
type Op struct {
	Kind   string // "subscribe", "unsubscribe" or "publish"
	Topics []string
	QoS    QoS
}

type memoryMessage struct {
	topic   string
	payload []byte
}

// MemoryBroker is an in-process broker. It implements Dialer.
type MemoryBroker struct {
	mu       sync.Mutex
	conns    map[*memoryConn]struct{}
	retained map[string][]byte
	ops      []Op
	refuse   bool
	dials    atomic.Int64
}

// Memory creates an empty in-process broker.
func Memory() *MemoryBroker {
	return &MemoryBroker{
		conns:    make(map[*memoryConn]struct{}),
		retained: make(map[string][]byte),
	}
}

func (b *MemoryBroker) Dial(ctx context.Context, _ Options, hook Hook) (Conn, error) {
	b.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return nil, ErrRefused
	}
	c := &memoryConn{
		broker: b,
		hook:   hook,
		subs:   make(map[string]QoS),
		inbox:  make(chan memoryMessage, defaultInboxSize),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	b.conns[c] = struct{}{}
	go c.pump()
	return c, nil
}

// Refuse makes subsequent dials fail with ErrRefused until called with false.
func (b *MemoryBroker) Refuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// Dials returns the number of dial attempts seen so far.
func (b *MemoryBroker) Dials() int {
	return int(b.dials.Load())
}

// Drop severs every open connection as if the network went away. Each
// connection's hook receives OnClose(ErrConnectionLost).
func (b *MemoryBroker) Drop() {
	b.mu.Lock()
	conns := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	clear(b.conns)
	b.mu.Unlock()

	for _, c := range conns {
		if c.shutdown() {
			go c.hook.OnClose(ErrConnectionLost)
		}
	}
}

// Inject publishes a message from outside any connection.
func (b *MemoryBroker) Inject(topic string, payload []byte) {
	b.route(topic, payload, false)
}

// Subscriptions returns the union of active subscriptions across connections
// with the highest QoS requested for each filter.
func (b *MemoryBroker) Subscriptions() map[string]QoS {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]QoS)
	for c := range b.conns {
		c.mu.Lock()
		for filter, qos := range c.subs {
			if cur, ok := out[filter]; !ok || qos > cur {
				out[filter] = qos
			}
		}
		c.mu.Unlock()
	}
	return out
}

// Ops returns the recorded network operations, optionally filtered by kind.
func (b *MemoryBroker) Ops(kinds ...string) []Op {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Op, 0, len(b.ops))
	for _, op := range b.ops {
		if len(kinds) == 0 || slices.Contains(kinds, op.Kind) {
			out = append(out, op)
		}
	}
	return out
}

// ResetOps forgets the recorded operations.
func (b *MemoryBroker) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

func (b *MemoryBroker) record(op Op) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
}

func (b *MemoryBroker) route(topic string, payload []byte, retain bool) {
	b.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = slices.Clone(payload)
		}
	}
	targets := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		if c.matches(topic) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliver(memoryMessage{topic: topic, payload: slices.Clone(payload)})
	}
}

func (b *MemoryBroker) retainedFor(filter string) []memoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []memoryMessage
	for topic, payload := range b.retained {
		if topics.Match(filter, topic) {
			out = append(out, memoryMessage{topic: topic, payload: slices.Clone(payload)})
		}
	}
	return out
}

func (b *MemoryBroker) remove(c *memoryConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

type memoryConn struct {
	broker    *MemoryBroker
	hook      Hook
	mu        sync.Mutex
	subs      map[string]QoS
	inbox     chan memoryMessage
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

func (c *memoryConn) Subscribe(ctx context.Context, topic string, qos QoS) error {
	if !c.connected.Load() {
		return &Error{Op: "subscribe", Topic: topic, Err: ErrNotConnected}
	}
	if err := topics.ValidateFilter(topic); err != nil {
		return &Error{Op: "subscribe", Topic: topic, Err: err}
	}
	c.mu.Lock()
	c.subs[topic] = qos
	c.mu.Unlock()
	c.broker.record(Op{Kind: "subscribe", Topics: []string{topic}, QoS: qos})

	for _, m := range c.broker.retainedFor(topic) {
		c.deliver(m)
	}
	return nil
}

func (c *memoryConn) Unsubscribe(ctx context.Context, filters ...string) error {
	if !c.connected.Load() {
		return &Error{Op: "unsubscribe", Err: ErrNotConnected}
	}
	c.mu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	c.mu.Unlock()
	c.broker.record(Op{Kind: "unsubscribe", Topics: slices.Clone(filters)})
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if !c.connected.Load() {
		return &Error{Op: "publish", Topic: topic, Err: ErrNotConnected}
	}
	if err := topics.ValidateTopic(topic); err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	c.broker.record(Op{Kind: "publish", Topics: []string{topic}, QoS: qos})
	c.broker.route(topic, payload, retain)
	return nil
}

func (c *memoryConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *memoryConn) Close() error {
	c.broker.remove(c)
	c.shutdown()
	return nil
}

// shutdown reports whether this call performed the close.
func (c *memoryConn) shutdown() bool {
	closed := false
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		closed = true
	})
	return closed
}

func (c *memoryConn) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter := range c.subs {
		if topics.Match(filter, topic) {
			return true
		}
	}
	return false
}

func (c *memoryConn) deliver(m memoryMessage) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *memoryConn) pump() {
	for {
		select {
		case m := <-c.inbox:
			c.hook.OnMessage(m.topic, m.payload)
		case <-c.done:
			return
		}
	}
}
