package tandem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/tandem/broadcast"
	"github.com/casualjim/tandem/internal/delivery"
	"github.com/casualjim/tandem/internal/election"
	"github.com/casualjim/tandem/internal/registry"
	"github.com/casualjim/tandem/internal/topics"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/pkg/uuidx"
	"github.com/casualjim/tandem/transport"
	"github.com/fogfish/opts"
)

// Group hosts the local members of a process. Members of one group, and of
// other groups reachable through the same broadcast medium, elect a leader per
// topic and share the client's single connection.
type Group struct {
	client  *Client
	medium  broadcast.Medium
	table   *registry.Table[Message]
	members *haxmap.Map[string, *Member]

	timings     election.Timings
	mailboxSize int
	slowTimeout time.Duration
	base        *slog.Logger
	logger      *slog.Logger
	observers   []func(Leadership)

	unlisten func()
	closed   atomic.Bool
}

var (
	// ElectionTimings overrides the election timer durations.
	ElectionTimings = opts.ForName[Group, Timings]("timings")
	// MailboxSize sets how many messages may wait for a member's callbacks.
	MailboxSize = opts.ForName[Group, int]("mailboxSize")
	// SlowConsumerTimeout sets how long delivery waits on a full mailbox
	// before dropping the message.
	SlowConsumerTimeout = opts.ForName[Group, time.Duration]("slowTimeout")
)

// GroupLogger sets the logger for the group and its members.
func GroupLogger(l *slog.Logger) opts.Option[Group] {
	return opts.Type[Group](func(g *Group) error {
		g.logger = l
		return nil
	})
}

// OnLeadershipChange registers fn for every election state or leader change of
// every member. It runs on the member's election goroutine and must not block.
func OnLeadershipChange(fn func(Leadership)) opts.Option[Group] {
	return opts.Type[Group](func(g *Group) error {
		if fn != nil {
			g.observers = append(g.observers, fn)
		}
		return nil
	})
}

// NewGroup creates a group that routes client's inbound messages to its
// members and runs elections over medium.
func NewGroup(client *Client, medium broadcast.Medium, options ...opts.Option[Group]) (*Group, error) {
	if client == nil || medium == nil {
		return nil, errors.New("tandem: group needs a client and a broadcast medium")
	}
	g := &Group{
		client:      client,
		medium:      medium,
		table:       registry.New[Message](),
		members:     haxmap.New[string, *Member](),
		timings:     election.DefaultTimings(),
		mailboxSize: delivery.DefaultMailboxSize,
		slowTimeout: delivery.DefaultSlowTimeout,
	}
	if err := opts.Apply(g, options); err != nil {
		return nil, err
	}
	g.base = g.logger
	if g.base == nil {
		g.base = client.Config().Logger
	}
	if g.base == nil {
		g.base = slog.Default()
	}
	g.logger = slogx.Logger(g.base, "group")
	g.unlisten = client.OnMessage(g.route)
	return g, nil
}

func (g *Group) route(msg Message) {
	entries := g.table.Matching(msg.Topic)
	if len(entries) == 0 {
		return
	}
	delivery.Dispatch(g.logger, msg.Topic, entries, msg)
}

type joinOptions struct {
	id        string
	immediate *bool
	qos       transport.QoS
}

// MemberID sets the member's context identity instead of minting one.
func MemberID(id string) opts.Option[joinOptions] {
	return opts.Type[joinOptions](func(o *joinOptions) error {
		o.id = id
		return nil
	})
}

// Immediate overrides the client's ImmediateSubscribe setting for one member.
func Immediate(immediate bool) opts.Option[joinOptions] {
	return opts.Type[joinOptions](func(o *joinOptions) error {
		o.immediate = &immediate
		return nil
	})
}

// SubscribeQoS sets the QoS a member subscribes its topic with.
func SubscribeQoS(q transport.QoS) opts.Option[joinOptions] {
	return opts.Type[joinOptions](func(o *joinOptions) error {
		if !q.Valid() {
			return ErrInvalidQoS
		}
		o.qos = q
		return nil
	})
}

// Join adds a member for topic. The member starts electing right away; whether
// it also subscribes right away follows Immediate or the client configuration.
func (g *Group) Join(ctx context.Context, topic string, options ...opts.Option[joinOptions]) (*Member, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if err := topics.ValidateFilter(topic); err != nil {
		return nil, fmt.Errorf("%q: %w", topic, err)
	}
	jo := joinOptions{qos: transport.QoS1}
	if err := opts.Apply(&jo, options); err != nil {
		return nil, err
	}
	if jo.id == "" {
		jo.id = uuidx.NewContextID()
	}
	if _, exists := g.members.Get(jo.id); exists {
		return nil, fmt.Errorf("tandem: member %q already joined", jo.id)
	}
	immediate := g.client.Config().ImmediateSubscribe
	if jo.immediate != nil {
		immediate = *jo.immediate
	}

	ch, err := g.medium.Open(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("open election channel for %q: %w", topic, err)
	}
	logger := slogx.Logger(g.base, "member").With(slogx.Topic(topic), slogx.ContextID(jo.id))
	electionOpts := []opts.Option[election.Coordinator]{
		election.WithTimings(g.timings),
		election.WithLogger(g.base),
	}
	for _, fn := range g.observers {
		electionOpts = append(electionOpts, election.WithObserver(fn))
	}
	coord, err := election.New(jo.id, topic, ch, electionOpts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	m := &Member{
		id:     jo.id,
		topic:  topic,
		qos:    jo.qos,
		group:  g,
		coord:  coord,
		logger: logger,
	}
	m.mailbox = delivery.NewMailbox(jo.id, m.invoke, g.mailboxSize, g.slowTimeout, g.base)
	g.members.Set(m.id, m)
	coord.Start()

	if immediate {
		if err := m.Subscribe(ctx); err != nil {
			logger.Warn("immediate subscribe failed", slogx.Error(err))
		}
	}
	return m, nil
}

// Members returns the members currently joined.
func (g *Group) Members() []*Member {
	out := make([]*Member, 0, g.members.Len())
	g.members.ForEach(func(_ string, m *Member) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Close closes every member and stops routing. It is meant for process exit:
// leaders announce their departure, and errors are collected rather than
// stopping the teardown.
func (g *Group) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, m := range g.Members() {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", m.id, err))
		}
	}
	g.unlisten()
	return errors.Join(errs...)
}
