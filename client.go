package tandem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/tandem/internal/retry"
	"github.com/casualjim/tandem/internal/subscriptions"
	"github.com/casualjim/tandem/internal/topics"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/pkg/uuidx"
	"github.com/casualjim/tandem/transport"
	"github.com/fogfish/opts"
)

// Client owns the single broker connection of a process and the reference
// counted set of network subscriptions. It reconnects with exponential backoff
// and replays every tracked subscription after each successful connect.
type Client struct {
	dialer transport.Dialer
	subs   *subscriptions.Table

	messageListeners *haxmap.Map[string, func(Message)]
	statusListeners  *haxmap.Map[string, func(Status)]
	errorListeners   *haxmap.Map[string, func(error)]

	mu          sync.Mutex
	cfg         Config
	logger      *slog.Logger
	initialized bool
	status      Status
	changed     chan struct{}
	conn        transport.Conn
	gen         uint64
	backoff     *retry.Schedule
	timer       *time.Timer
}

// New creates a client that dials through dialer. Nothing happens on the
// network until Init.
func New(dialer transport.Dialer) *Client {
	return &Client{
		dialer:           dialer,
		subs:             subscriptions.New(),
		messageListeners: haxmap.New[string, func(Message)](),
		statusListeners:  haxmap.New[string, func(Status)](),
		errorListeners:   haxmap.New[string, func(error)](),
		cfg:              defaultConfig(),
		logger:           slogx.Logger(nil, "client"),
		changed:          make(chan struct{}),
	}
}

// Init applies the options. The first call validates the configuration and
// starts connecting in the background; later calls only merge options, which
// take effect on the next dial.
func (c *Client) Init(options ...opts.Option[Config]) error {
	c.mu.Lock()
	cfg := c.cfg
	if err := opts.Apply(&cfg, options); err != nil {
		c.mu.Unlock()
		return err
	}
	if cfg.URL == "" {
		c.mu.Unlock()
		return ErrMissingURL
	}
	c.cfg = cfg
	c.logger = slogx.Logger(cfg.Logger, "client")
	if c.initialized {
		// a retry in progress keeps counting against the old ceiling
		if c.conn != nil {
			c.backoff = retry.New(cfg.retryPolicy())
		}
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.backoff = retry.New(cfg.retryPolicy())
	gen := c.nextDial(Connecting)
	c.mu.Unlock()

	c.emitStatus(Connecting)
	go c.connect(gen)
	return nil
}

// Config returns a copy of the current configuration.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Status returns the connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// WaitForStatus blocks until the client reaches want or ctx is done.
func (c *Client) WaitForStatus(ctx context.Context, want Status) error {
	for {
		c.mu.Lock()
		if c.status == want {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe adds a reference to each topic filter. A network subscribe is
// issued when a filter is new or its QoS is raised, provided the client is
// connected. Filters are validated before anything is tracked.
func (c *Client) Subscribe(ctx context.Context, qos transport.QoS, filters ...string) error {
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if len(filters) == 0 {
		return ErrEmptyTopics
	}
	var errs []error
	for _, f := range filters {
		if err := topics.ValidateFilter(f); err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", f, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	type issue struct {
		topic string
		qos   transport.QoS
	}
	var pending []issue
	c.mu.Lock()
	for _, f := range filters {
		entry, needed := c.subs.Acquire(f, uint8(qos))
		if needed {
			pending = append(pending, issue{topic: entry.Topic, qos: transport.QoS(entry.QoS)})
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	for _, p := range pending {
		if err := conn.Subscribe(ctx, p.topic, p.qos); err != nil {
			errs = append(errs, c.transportError("subscribe", p.topic, err))
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe drops a reference to each topic filter. Filters whose last
// reference is released are unsubscribed on the network in one call.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	var released []string
	c.mu.Lock()
	for _, f := range filters {
		if c.subs.Release(f) {
			released = append(released, f)
		}
	}
	conn := c.conn
	logger := c.logger
	c.mu.Unlock()

	if conn == nil || len(released) == 0 {
		return nil
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "unsubscribing", slogx.Topics(released))
	if err := conn.Unsubscribe(ctx, released...); err != nil {
		return c.transportError("unsubscribe", "", err)
	}
	return nil
}

// Subscriptions returns the tracked subscriptions in the order they were
// first requested.
func (c *Client) Subscriptions() []subscriptions.Entry {
	return c.subs.Snapshot()
}

type publishOptions struct {
	qos    transport.QoS
	retain bool
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

// WithQoS sets the publish QoS.
func WithQoS(q transport.QoS) PublishOption {
	return func(o *publishOptions) { o.qos = q }
}

// WithRetain asks the broker to retain the message.
func WithRetain() PublishOption {
	return func(o *publishOptions) { o.retain = true }
}

// Publish sends payload to topic. While disconnected the message is dropped
// and nil is returned; callers that need delivery guarantees keep their own
// outbox.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, options ...PublishOption) error {
	var po publishOptions
	for _, o := range options {
		o(&po)
	}
	if !po.qos.Valid() {
		return ErrInvalidQoS
	}
	if err := topics.ValidateTopic(topic); err != nil {
		return fmt.Errorf("%q: %w", topic, err)
	}

	c.mu.Lock()
	conn := c.conn
	logger := c.logger
	c.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		logger.LogAttrs(ctx, slog.LevelDebug, "dropping publish while disconnected", slogx.Topic(topic))
		return nil
	}
	if err := conn.Publish(ctx, topic, payload, po.qos, po.retain); err != nil {
		return c.transportError("publish", topic, err)
	}
	return nil
}

// OnMessage registers a listener for every inbound message. The returned
// function unregisters it.
func (c *Client) OnMessage(fn func(Message)) func() {
	return listen(c.messageListeners, fn)
}

// OnStatusChange registers a listener for connection status changes.
func (c *Client) OnStatusChange(fn func(Status)) func() {
	return listen(c.statusListeners, fn)
}

// OnError registers a listener for transport errors and for
// ErrReconnectExhausted.
func (c *Client) OnError(fn func(error)) func() {
	return listen(c.errorListeners, fn)
}

func listen[T any](m *haxmap.Map[string, func(T)], fn func(T)) func() {
	id := uuidx.NewString()
	m.Set(id, fn)
	var once sync.Once
	return func() {
		once.Do(func() { m.Del(id) })
	}
}

// snapshot collects the listeners before any of them runs, so listeners may
// register or unregister during dispatch.
func snapshot[T any](m *haxmap.Map[string, func(T)]) []func(T) {
	out := make([]func(T), 0, m.Len())
	m.ForEach(func(_ string, fn func(T)) bool {
		out = append(out, fn)
		return true
	})
	return out
}

// Dispose closes the connection, cancels any pending reconnect, and forgets
// all subscriptions and listeners. The client can be initialized again.
func (c *Client) Dispose() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.initialized = false
	c.subs.Clear()
	c.setStatus(Disconnected)
	logger := c.logger
	c.mu.Unlock()

	c.messageListeners.Clear()
	c.statusListeners.Clear()
	c.errorListeners.Clear()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("closing connection", slogx.Error(err))
		}
	}
}

// nextDial starts a new connection generation. Events carrying an older
// generation are ignored. Must hold c.mu.
func (c *Client) nextDial(status Status) uint64 {
	c.gen++
	c.timer = nil
	c.setStatus(status)
	return c.gen
}

// setStatus must hold c.mu.
func (c *Client) setStatus(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

func (c *Client) connect(gen uint64) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout())
	defer cancel()

	conn, err := c.dialer.Dial(ctx, cfg.dialOptions(), &connHook{client: c, gen: gen})
	if err != nil {
		c.lost(gen, c.transportError("connect", "", err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.backoff.Reset()
	replay := c.subs.Snapshot()
	logger := c.logger
	c.mu.Unlock()

	for _, e := range replay {
		if err := conn.Subscribe(ctx, e.Topic, transport.QoS(e.QoS)); err != nil {
			c.reportError(c.transportError("subscribe", e.Topic, err))
		}
	}

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	changed := c.setStatus(Connected)
	c.mu.Unlock()

	logger.Info("connected", slog.String("url", cfg.URL), slog.Int("subscriptions", len(replay)))
	if changed {
		c.emitStatus(Connected)
	}
}

// lost handles a dropped connection or a failed dial for generation gen.
func (c *Client) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	changed := c.setStatus(Disconnected)
	delay, err := c.backoff.Next()
	attempt := c.backoff.Attempt()
	logger := c.logger
	if err == nil {
		c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	}
	c.mu.Unlock()

	if changed {
		c.emitStatus(Disconnected)
	}
	if err != nil {
		logger.Error("giving up reconnecting", slog.Int("attempt", attempt), slogx.Error(cause))
		c.reportError(fmt.Errorf("%w: %w", err, cause))
		return
	}
	logger.Warn("connection lost, reconnecting",
		slog.Int("attempt", attempt), slog.Duration("delay", delay), slogx.Error(cause))
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	next := c.nextDial(Reconnecting)
	c.mu.Unlock()

	c.emitStatus(Reconnecting)
	c.connect(next)
}

func (c *Client) dispatch(gen uint64, topic string, payload []byte) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	for _, fn := range snapshot(c.messageListeners) {
		fn(msg)
	}
}

func (c *Client) emitStatus(s Status) {
	for _, fn := range snapshot(c.statusListeners) {
		fn(s)
	}
}

func (c *Client) reportError(err error) {
	for _, fn := range snapshot(c.errorListeners) {
		fn(err)
	}
}

// transportError wraps err as a *TransportError unless it already is one and
// reports it to the error listeners.
func (c *Client) transportError(op, topic string, err error) error {
	var te *TransportError
	if !errors.As(err, &te) {
		err = &TransportError{Op: op, Topic: topic, Err: err}
	}
	c.reportError(err)
	return err
}

// connHook routes the events of one connection generation back to the client.
type connHook struct {
	client *Client
	gen    uint64
}

func (h *connHook) OnMessage(topic string, payload []byte) {
	h.client.dispatch(h.gen, topic, payload)
}

func (h *connHook) OnError(err error) {
	h.client.transportError("connection", "", err)
}

func (h *connHook) OnClose(err error) {
	if err == nil {
		err = transport.ErrConnectionLost
	}
	h.client.lost(h.gen, err)
}
