package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/casualjim/tandem/internal/topics"
	"github.com/nats-io/nats.go"
)

type natsDialer struct {
	extra []nats.Option
}

// NATS returns a Dialer backed by a NATS server. Topics are translated to
// subjects ("room/+/chat" becomes "room.*.chat"). NATS has no QoS or retained
// messages, so both are ignored. Extra options are applied after the ones
// derived from Options.
func NATS(extra ...nats.Option) Dialer {
	return &natsDialer{extra: extra}
}

func (d *natsDialer) Dial(ctx context.Context, opts Options, hook Hook) (Conn, error) {
	c := &natsConn{
		hook: hook,
		subs: make(map[string]*nats.Subscription),
	}

	name := opts.ClientID
	if name == "" {
		name = "tandem"
	}
	options := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if c.closing.Load() {
				return
			}
			err := nc.LastError()
			if err == nil {
				err = ErrConnectionLost
			}
			hook.OnClose(err)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			hook.OnError(err)
		}),
	}
	if opts.Username != "" {
		options = append(options, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(opts.ConnectTimeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		options = append(options, nats.Timeout(timeUntil(deadline)))
	}
	options = append(options, d.extra...)

	nc, err := nats.Connect(opts.URL, options...)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	c.conn = nc
	return c, nil
}

type natsConn struct {
	conn    *nats.Conn
	hook    Hook
	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	closing atomic.Bool
}

func (c *natsConn) Subscribe(ctx context.Context, topic string, _ QoS) error {
	subject, err := topics.ToSubject(topic)
	if err != nil {
		return &Error{Op: "subscribe", Topic: topic, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		// no QoS to upgrade
		return nil
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		c.hook.OnMessage(topics.FromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return &Error{Op: "subscribe", Topic: topic, Err: err}
	}
	c.subs[topic] = sub
	return nil
}

func (c *natsConn) Unsubscribe(ctx context.Context, filters ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, f := range filters {
		sub, ok := c.subs[f]
		if !ok {
			continue
		}
		delete(c.subs, f)
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, &Error{Op: "unsubscribe", Topic: f, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (c *natsConn) Publish(ctx context.Context, topic string, payload []byte, _ QoS, _ bool) error {
	if err := topics.ValidateTopic(topic); err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	subject, err := topics.ToSubject(topic)
	if err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (c *natsConn) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *natsConn) Close() error {
	c.closing.Store(true)
	c.conn.Close()
	return nil
}
