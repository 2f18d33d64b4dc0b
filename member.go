package tandem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/casualjim/tandem/internal/delivery"
	"github.com/casualjim/tandem/internal/election"
	"github.com/casualjim/tandem/internal/registry"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/transport"
)

// Member is one local participant on a topic. It holds at most one reference
// on the topic's network subscription and at most one message callback.
type Member struct {
	id     string
	topic  string
	qos    transport.QoS
	group  *Group
	coord  *election.Coordinator
	logger *slog.Logger

	mailbox *delivery.Mailbox[Message]

	mu         sync.Mutex
	subscribed bool
	callback   func(Message)
	once       bool
	closed     atomic.Bool
}

// ID returns the member's context identity.
func (m *Member) ID() string {
	return m.id
}

// Topic returns the topic filter the member joined.
func (m *Member) Topic() string {
	return m.topic
}

// Subscribe takes the member's reference on its topic. Calling it again is a
// no-op.
func (m *Member) Subscribe(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	if m.subscribed {
		m.mu.Unlock()
		return nil
	}
	m.subscribed = true
	m.mu.Unlock()

	if err := m.group.client.Subscribe(ctx, m.qos, m.topic); err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			// nothing was tracked
			m.mu.Lock()
			m.subscribed = false
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// Unsubscribe removes the member's callback and releases its reference. The
// network subscription goes away once no member references the topic.
func (m *Member) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	wasSubscribed := m.subscribed
	m.subscribed = false
	m.callback = nil
	m.mu.Unlock()

	m.group.table.Remove(m.topic, m.id)
	if !wasSubscribed {
		return nil
	}
	return m.group.client.Unsubscribe(ctx, m.topic)
}

// OnMessage registers the member's callback and subscribes if needed.
// Non-idempotent callbacks only run while this member leads, or before any
// leader is known. A member has at most one callback; a second registration
// returns ErrDuplicateRegistration and leaves the first in place.
func (m *Member) OnMessage(ctx context.Context, cb func(Message), idempotent bool) error {
	return m.register(ctx, cb, idempotent, false)
}

// OnMessageOnce is OnMessage for a callback that unregisters itself after its
// first invocation.
func (m *Member) OnMessageOnce(ctx context.Context, cb func(Message), idempotent bool) error {
	return m.register(ctx, cb, idempotent, true)
}

func (m *Member) register(ctx context.Context, cb func(Message), idempotent, once bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if cb == nil {
		return errors.New("tandem: nil callback")
	}
	// invoke blocks on mu, so a message routed as soon as the entry is in the
	// table still finds the callback
	m.mu.Lock()
	err := m.group.table.Register(&registry.Entry[Message]{
		ContextID:  m.id,
		Filter:     m.topic,
		Deliver:    m.post,
		Idempotent: idempotent,
		View:       m.coord.Leadership,
	})
	if err == nil {
		m.callback = cb
		m.once = once
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("rejected duplicate registration")
		return err
	}

	return m.Subscribe(ctx)
}

func (m *Member) post(msg Message) {
	m.mailbox.Post(msg)
}

// invoke runs on the mailbox goroutine.
func (m *Member) invoke(msg Message) {
	m.mu.Lock()
	cb, once := m.callback, m.once
	if once {
		m.callback = nil
		m.once = false
	}
	m.mu.Unlock()

	if cb == nil {
		return
	}
	if once {
		m.group.table.Remove(m.topic, m.id)
	}
	cb(msg)
}

// Publish sends payload to the member's topic.
func (m *Member) Publish(ctx context.Context, payload []byte, options ...PublishOption) error {
	return m.PublishTo(ctx, m.topic, payload, options...)
}

// PublishTo sends payload to any topic through the shared connection.
func (m *Member) PublishTo(ctx context.Context, topic string, payload []byte, options ...PublishOption) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.group.client.Publish(ctx, topic, payload, options...)
}

// Status returns the shared connection status.
func (m *Member) Status() Status {
	return m.group.client.Status()
}

// RecognizedLeader returns the leader this member currently recognizes.
func (m *Member) RecognizedLeader() (string, bool) {
	return m.coord.Leader()
}

// State returns the member's election state.
func (m *Member) State() ElectionState {
	return m.coord.State()
}

// Leadership returns the member's full election view.
func (m *Member) Leadership() Leadership {
	return m.coord.Leadership()
}

// IsLeader reports whether this member leads its topic.
func (m *Member) IsLeader() bool {
	return m.coord.IsLeader()
}

// Closed reports whether Close has been called.
func (m *Member) Closed() bool {
	return m.closed.Load()
}

// Close announces the departure of a leader, unsubscribes and stops the
// member. Close is idempotent.
func (m *Member) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.group.members.Del(m.id)

	var errs []error
	if err := m.coord.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.Unsubscribe(ctx); err != nil {
		errs = append(errs, err)
	}
	m.mailbox.Close()
	m.logger.Debug("member closed", slogx.Stringer("state", m.coord.State()))
	return errors.Join(errs...)
}
