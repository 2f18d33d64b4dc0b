package election

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/tandem/broadcast"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/fogfish/opts"
)

var ErrClosed = errors.New("coordinator closed")

// Coordinator runs the election for one (topic, member) pair.
type Coordinator struct {
	id        string
	topic     string
	channel   broadcast.Channel
	timings   Timings
	logger    *slog.Logger
	observers []func(Leadership)

	mu     sync.RWMutex
	state  State
	leader string

	// loop-owned
	candidates map[string]struct{}
	sched      *scheduler

	started   atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	loopDone  chan struct{}
	closeErr  error
}

// New creates a coordinator for member id on topic. It owns channel and closes
// it on teardown.
func New(id, topic string, channel broadcast.Channel, options ...opts.Option[Coordinator]) (*Coordinator, error) {
	c := &Coordinator{
		id:         id,
		topic:      topic,
		channel:    channel,
		timings:    DefaultTimings(),
		logger:     slog.Default(),
		candidates: make(map[string]struct{}),
		sched:      newScheduler(),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	c.logger = c.logger.With(slogx.LoggerName("election"), slogx.Topic(topic), slogx.ContextID(id))
	return c, nil
}

// ID returns the member identity this coordinator elects for.
func (c *Coordinator) ID() string {
	return c.id
}

// Start launches the coordinator loop. The first inquiry goes out after the
// randomized inquiry delay.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Leadership returns the current view.
func (c *Coordinator) Leadership() Leadership {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Leadership{Self: c.id, Topic: c.topic, State: c.state, Leader: c.leader}
}

// State returns the current election state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Leader returns the recognized leader, if any.
func (c *Coordinator) Leader() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader, c.leader != ""
}

// IsLeader reports whether this member currently leads.
func (c *Coordinator) IsLeader() bool {
	return c.Leadership().IsLeader()
}

// Close tears the coordinator down. A leader broadcasts killed first so its
// siblings re-elect. Teardown always runs; ctx only bounds how long Close
// waits for it. Close is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.started.CompareAndSwap(false, true) {
			// never started
			c.closeErr = c.teardown()
			close(c.loopDone)
			return
		}
		close(c.stop)
	})

	select {
	case <-c.loopDone:
		return c.closeErr
	default:
	}
	select {
	case <-c.loopDone:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	c.scheduleInquiry(c.timings.InquiryDelay, c.timings.InquiryJitter)

	for {
		select {
		case <-c.stop:
			c.closeErr = c.teardown()
			return
		case raw := <-c.channel.Messages():
			c.handle(raw)
		case f := <-c.sched.fired:
			if c.sched.accept(f) {
				c.onTimer(f.key)
			}
		}
	}
}

func (c *Coordinator) handle(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		c.logger.Warn("ignoring election message", slogx.Error(err))
		return
	}
	if msg.Sender == c.id {
		return
	}
	c.logger.Debug("election message", slog.String("kind", string(msg.Kind)), slog.String("sender", msg.Sender))

	switch msg.Kind {
	case KindInquire:
		c.onInquire(msg.Sender)
	case KindAnnounce, KindClaim:
		c.onLeader(msg.Sender, msg.LeaderID())
	case KindKilled:
		c.onKilled(msg.Sender)
	}
}

func (c *Coordinator) onInquire(sender string) {
	view := c.Leadership()
	switch {
	case view.State == Leader:
		c.post(Claim(c.id))
	case view.State == Normal && view.HasLeader():
		// the recognized leader answers
	default:
		c.candidates[sender] = struct{}{}
		c.sched.cancel(timerInquiry, timerResponse)
		c.sched.schedule(timerAggregation, c.timings.AggregationWindow)
	}
}

func (c *Coordinator) onLeader(sender, leader string) {
	c.sched.cancel(timerInquiry, timerResponse, timerAggregation)
	clear(c.candidates)

	view := c.Leadership()
	if view.State == Leader {
		switch {
		case leader == c.id:
		case leader < c.id:
			c.logger.Info("stepping down", slog.String("leader", leader))
			c.adopt(leader)
		default:
			c.post(Claim(c.id))
		}
		return
	}

	adopting := !view.HasLeader() || leader < view.Leader || sender == view.Leader
	// a smaller identity never defers to a larger one
	if leader > c.id && (adopting || view.Leader > c.id) {
		c.logger.Info("outranking announced leader", slog.String("leader", leader))
		c.adopt(c.id)
		c.post(Announce(c.id, c.id))
		return
	}
	if adopting {
		c.adopt(leader)
		return
	}
	c.logger.Debug("ignoring competing leader", slog.String("leader", leader), slog.String("recognized", view.Leader))
}

func (c *Coordinator) onKilled(sender string) {
	if leader, ok := c.Leader(); !ok || leader != sender {
		return
	}
	c.logger.Info("leader left, re-electing", slog.String("leader", sender))
	c.sched.cancelAll()
	clear(c.candidates)
	c.set(Normal, "")
	c.scheduleInquiry(c.timings.RestartDelay, c.timings.RestartJitter)
}

func (c *Coordinator) onTimer(key timerKey) {
	switch key {
	case timerInquiry:
		c.set(Candidate, "")
		c.post(Inquire(c.id))
		c.sched.schedule(timerResponse, c.timings.ResponseWindow)
	case timerResponse:
		c.logger.Debug("no response to inquiry")
		c.adopt(c.id)
		c.post(Announce(c.id, c.id))
	case timerAggregation:
		winner := c.id
		for id := range c.candidates {
			winner = min(winner, id)
		}
		clear(c.candidates)
		c.post(Announce(c.id, winner))
		c.adopt(winner)
	}
}

func (c *Coordinator) scheduleInquiry(delay, jitter time.Duration) {
	if jitter > 0 {
		delay += rand.N(jitter)
	}
	c.sched.schedule(timerInquiry, delay)
}

func (c *Coordinator) adopt(leader string) {
	state := Normal
	if leader == c.id {
		state = Leader
	}
	c.set(state, leader)
}

func (c *Coordinator) set(state State, leader string) {
	c.mu.Lock()
	changed := c.state != state || c.leader != leader
	c.state, c.leader = state, leader
	view := Leadership{Self: c.id, Topic: c.topic, State: state, Leader: leader}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Debug("election state", slogx.Stringer("state", state), slog.String("leader", leader))
	for _, fn := range slices.Clone(c.observers) {
		fn(view)
	}
}

func (c *Coordinator) post(msg Message) {
	raw, err := Encode(msg)
	if err != nil {
		c.logger.Error("encoding election message", slogx.Error(err))
		return
	}
	timeout := c.timings.PostTimeout
	if timeout <= 0 {
		timeout = DefaultTimings().PostTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.channel.Post(ctx, raw); err != nil {
		c.logger.Warn("posting election message", slog.String("kind", string(msg.Kind)), slogx.Error(err))
	}
}

func (c *Coordinator) teardown() error {
	if c.IsLeader() {
		c.post(Killed(c.id))
	}
	c.sched.stop()
	return c.channel.Close()
}
