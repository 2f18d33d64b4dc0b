package tandem

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/tandem/broadcast"
	"github.com/casualjim/tandem/internal/delivery"
	"github.com/casualjim/tandem/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastTimings() Timings {
	return Timings{
		InquiryDelay:      10 * time.Millisecond,
		InquiryJitter:     20 * time.Millisecond,
		ResponseWindow:    80 * time.Millisecond,
		AggregationWindow: 40 * time.Millisecond,
		RestartDelay:      0,
		RestartJitter:     5 * time.Millisecond,
		PostTimeout:       100 * time.Millisecond,
	}
}

// stalledTimings keeps every member leaderless for the duration of a test.
func stalledTimings() Timings {
	t := fastTimings()
	t.InquiryDelay = time.Hour
	return t
}

type harness struct {
	broker *transport.MemoryBroker
	hub    *broadcast.LocalHub
	client *Client
	group  *Group
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{broker: transport.Memory(), hub: broadcast.Local()}
	h.client, h.group = h.attach(t, fastTimings())
	return h
}

// attach connects another client to the same broker and hub, as a second
// process would.
func (h *harness) attach(t *testing.T, timings Timings) (*Client, *Group) {
	t.Helper()
	client := New(h.broker)
	t.Cleanup(client.Dispose)
	connect(t, client)

	group, err := NewGroup(client, h.hub, ElectionTimings(timings))
	require.NoError(t, err)
	t.Cleanup(func() { _ = group.Close(context.Background()) })
	return client, group
}

func (h *harness) join(t *testing.T, g *Group, topic, id string) *Member {
	t.Helper()
	m, err := g.Join(context.Background(), topic, MemberID(id))
	require.NoError(t, err)
	return m
}

func converged(t *testing.T, leader string, members ...*Member) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, m := range members {
			got, ok := m.RecognizedLeader()
			if !ok || got != leader {
				return false
			}
			if m.IsLeader() != (m.ID() == leader) {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond, "members did not converge on %s", leader)
}

func TestGroup_RoomElection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(t, h.group, "room/42", "a1")
	b := h.join(t, h.group, "room/42", "b2")

	var gotA, gotB, gotBIdempotent recorder[Message]
	require.NoError(t, a.OnMessage(ctx, gotA.add, false))
	require.NoError(t, b.OnMessage(ctx, gotB.add, false))

	converged(t, "a1", a, b)
	assert.Equal(t, Leader, a.State())
	assert.Equal(t, Normal, b.State())

	require.NoError(t, b.Publish(ctx, []byte(`{"n":1}`)))
	assert.Eventually(t, func() bool { return gotA.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return gotB.len() > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"non-idempotent callback on a follower is suppressed")
	assert.Equal(t, int64(1), gotA.all()[0].JSON().Get("n").Int())

	require.NoError(t, b.Unsubscribe(ctx))
	require.NoError(t, b.OnMessage(ctx, gotBIdempotent.add, true))

	require.NoError(t, a.Publish(ctx, []byte(`{"n":2}`)))
	assert.Eventually(t, func() bool {
		return gotA.len() == 2 && gotBIdempotent.len() == 1
	}, time.Second, 5*time.Millisecond, "idempotent callback fires on every member")
	assert.Zero(t, gotB.len())
}

func TestGroup_SharedNetworkSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(t, h.group, "room/42", "a1")
	b := h.join(t, h.group, "room/42", "b2")
	c := h.join(t, h.group, "room/42", "c3")

	assert.Len(t, h.broker.Ops("subscribe"), 1)
	require.Len(t, h.client.Subscriptions(), 1)
	assert.Equal(t, 3, h.client.Subscriptions()[0].Refs)

	require.NoError(t, a.Subscribe(ctx), "subscribe is idempotent per member")
	assert.Equal(t, 3, h.client.Subscriptions()[0].Refs)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Unsubscribe(ctx))
	assert.Empty(t, h.broker.Ops("unsubscribe"))

	require.NoError(t, c.Close(ctx))
	ops := h.broker.Ops("unsubscribe")
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"room/42"}, ops[0].Topics)
	assert.Empty(t, h.client.Subscriptions())
}

func TestGroup_Immediate(t *testing.T) {
	ctx := context.Background()

	t.Run("join option", func(t *testing.T) {
		h := newHarness(t)
		m, err := h.group.Join(ctx, "room/42", MemberID("a1"), Immediate(false))
		require.NoError(t, err)
		assert.Empty(t, h.broker.Ops("subscribe"))

		require.NoError(t, m.OnMessage(ctx, func(Message) {}, true))
		assert.Len(t, h.broker.Ops("subscribe"), 1)
	})

	t.Run("client default", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.client.Init(WithImmediateSubscribe(false)))
		_, err := h.group.Join(ctx, "room/42", MemberID("a1"))
		require.NoError(t, err)
		assert.Empty(t, h.broker.Ops("subscribe"))
	})

	t.Run("qos", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.group.Join(ctx, "room/42", MemberID("a1"), SubscribeQoS(transport.QoS2))
		require.NoError(t, err)
		assert.Equal(t, transport.QoS2, h.broker.Subscriptions()["room/42"])

		_, err = h.group.Join(ctx, "room/42", SubscribeQoS(9))
		assert.ErrorIs(t, err, ErrInvalidQoS)
	})
}

func TestGroup_FailOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, group := h.attach(t, stalledTimings())
	a := h.join(t, group, "room/42", "a1")
	b := h.join(t, group, "room/42", "b2")

	var gotA, gotB recorder[Message]
	require.NoError(t, a.OnMessage(ctx, gotA.add, false))
	require.NoError(t, b.OnMessage(ctx, gotB.add, false))

	h.broker.Inject("room/42", []byte("early"))
	assert.Eventually(t, func() bool {
		return gotA.len() == 1 && gotB.len() == 1
	}, time.Second, 5*time.Millisecond, "without a leader every callback runs")
	_, ok := a.RecognizedLeader()
	assert.False(t, ok)
}

func TestGroup_ReelectionOnLeaderClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(t, h.group, "room/42", "a1")
	b := h.join(t, h.group, "room/42", "b2")
	c := h.join(t, h.group, "room/42", "c3")
	converged(t, "a1", a, b, c)

	var gotB, gotC recorder[Message]
	require.NoError(t, b.OnMessage(ctx, gotB.add, false))
	require.NoError(t, c.OnMessage(ctx, gotC.add, false))

	require.NoError(t, a.Close(ctx))
	converged(t, "b2", b, c)

	h.broker.Inject("room/42", []byte("after"))
	assert.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return gotC.len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestGroup_AcrossProcesses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, other := h.attach(t, fastTimings())

	a := h.join(t, h.group, "room/42", "a1")
	b := h.join(t, other, "room/42", "b2")
	converged(t, "a1", a, b)

	var gotA, gotB recorder[Message]
	require.NoError(t, a.OnMessage(ctx, gotA.add, false))
	require.NoError(t, b.OnMessage(ctx, gotB.add, false))

	h.broker.Inject("room/42", []byte("hi"))
	assert.Eventually(t, func() bool { return gotA.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return gotB.len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestMember_Registration(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate is rejected", func(t *testing.T) {
		h := newHarness(t)
		a := h.join(t, h.group, "room/42", "a1")
		var first, second recorder[Message]
		require.NoError(t, a.OnMessage(ctx, first.add, true))
		assert.ErrorIs(t, a.OnMessage(ctx, second.add, true), ErrDuplicateRegistration)
		assert.ErrorIs(t, a.OnMessageOnce(ctx, second.add, true), ErrDuplicateRegistration)

		h.broker.Inject("room/42", []byte("hi"))
		assert.Eventually(t, func() bool { return first.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, second.len())
	})

	t.Run("once", func(t *testing.T) {
		h := newHarness(t)
		a := h.join(t, h.group, "room/42", "a1")
		var once, again recorder[Message]
		require.NoError(t, a.OnMessageOnce(ctx, once.add, true))

		h.broker.Inject("room/42", []byte("1"))
		h.broker.Inject("room/42", []byte("2"))
		assert.Eventually(t, func() bool { return once.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Never(t, func() bool { return once.len() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, "1", once.all()[0].Text())

		require.NoError(t, a.OnMessage(ctx, again.add, true), "the slot is free again")
		h.broker.Inject("room/42", []byte("3"))
		assert.Eventually(t, func() bool { return again.len() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("wildcard filter", func(t *testing.T) {
		h := newHarness(t)
		a := h.join(t, h.group, "room/+", "a1")
		var got recorder[Message]
		require.NoError(t, a.OnMessage(ctx, got.add, true))

		require.NoError(t, a.PublishTo(ctx, "room/42", []byte("hi")))
		require.NoError(t, a.PublishTo(ctx, "lobby", []byte("no")))
		assert.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "room/42", got.all()[0].Topic)
	})

	t.Run("callback is in place when routing starts", func(t *testing.T) {
		h := newHarness(t)
		group, err := NewGroup(h.client, h.hub,
			ElectionTimings(stalledTimings()), MailboxSize(4096), SlowConsumerTimeout(5*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { _ = group.Close(context.Background()) })

		msg := Message{Topic: "room/race", Payload: []byte("x")}
		for i := range 20 {
			m := h.join(t, group, msg.Topic, fmt.Sprintf("m%02d", i))

			var routed atomic.Int64
			stop, done := make(chan struct{}), make(chan struct{})
			go func() {
				defer close(done)
				for range 2000 {
					select {
					case <-stop:
						return
					default:
					}
					n := delivery.Dispatch(group.logger, msg.Topic, group.table.Matching(msg.Topic), msg)
					routed.Add(int64(n))
					runtime.Gosched()
				}
			}()

			var got recorder[Message]
			require.NoError(t, m.OnMessage(ctx, got.add, false))
			close(stop)
			<-done

			assert.Eventually(t, func() bool { return int64(got.len()) == routed.Load() },
				time.Second, 5*time.Millisecond, "every routed message reaches the callback")
			require.NoError(t, m.Close(ctx))
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		h := newHarness(t)
		a := h.join(t, h.group, "room/42", "a1")
		assert.Error(t, a.OnMessage(ctx, nil, true))
	})
}

func TestMember_Status(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, h.group, "room/42", "a1")
	assert.Equal(t, Connected, a.Status())
	assert.Equal(t, "room/42", a.Topic())
	assert.Equal(t, "a1", a.ID())

	h.broker.Refuse(true)
	h.broker.Drop()
	assert.Eventually(t, func() bool { return a.Status() != Connected }, time.Second, 5*time.Millisecond)
}

func TestMember_CloseWithDoneContext(t *testing.T) {
	for name, deadline := range map[string]func() (context.Context, context.CancelFunc){
		"cancelled": func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		},
		"expired": func() (context.Context, context.CancelFunc) {
			return context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			a := h.join(t, h.group, "room/42", "a1")
			b := h.join(t, h.group, "room/42", "b2")
			converged(t, "a1", a, b)

			var gotB recorder[Message]
			require.NoError(t, b.OnMessage(ctx, gotB.add, false))

			done, cancel := deadline()
			defer cancel()
			_ = a.Close(done)
			assert.True(t, a.Closed())

			assert.Eventually(t, func() bool { return h.hub.Handles("room/42") == 1 }, time.Second, 5*time.Millisecond,
				"the leader's election handle is released")
			converged(t, "b2", b)

			h.broker.Inject("room/42", []byte("after"))
			assert.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestGroup_Join(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.group.Join(ctx, "room/#/bad")
	assert.Error(t, err)

	m, err := h.group.Join(ctx, "room/42")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID(), "identity is minted when not given")

	_, err = h.group.Join(ctx, "room/42", MemberID(m.ID()))
	assert.Error(t, err, "identities are unique within a group")
	assert.Len(t, h.group.Members(), 1)
}

func TestGroup_Close(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(t, h.group, "room/42", "a1")
	b := h.join(t, h.group, "room/42", "b2")
	converged(t, "a1", a, b)

	require.NoError(t, h.group.Close(ctx))
	require.NoError(t, h.group.Close(ctx))
	assert.Empty(t, h.group.Members())
	assert.Zero(t, h.hub.Handles("room/42"))
	assert.Empty(t, h.client.Subscriptions())

	_, err := h.group.Join(ctx, "room/42")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Publish(ctx, []byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Subscribe(ctx), ErrClosed)
	assert.ErrorIs(t, a.OnMessage(ctx, func(Message) {}, true), ErrClosed)
	assert.NoError(t, a.Close(ctx))
}

func TestGroup_OnLeadershipChange(t *testing.T) {
	h := newHarness(t)
	var changes recorder[Leadership]
	group, err := NewGroup(h.client, h.hub, ElectionTimings(fastTimings()), OnLeadershipChange(changes.add))
	require.NoError(t, err)
	t.Cleanup(func() { _ = group.Close(context.Background()) })

	a := h.join(t, group, "room/7", "a1")
	converged(t, "a1", a)

	assert.Eventually(t, func() bool { return changes.len() >= 2 }, time.Second, 5*time.Millisecond)
	got := changes.all()
	assert.Equal(t, Candidate, got[0].State)
	assert.Equal(t, Leadership{Self: "a1", Topic: "room/7", State: Leader, Leader: "a1"}, got[len(got)-1])
}
