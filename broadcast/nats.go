package broadcast

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/pkg/uuidx"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubjectPrefix = "tandem.broadcast"
	originHeader         = "Tandem-Origin"
)

// NATSMedium carries broadcast channels over a NATS connection. Channel names
// are encoded into a single subject token so topic filters containing
// wildcards stay literal.
type NATSMedium struct {
	client *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATS creates a medium on an existing connection. The caller owns the
// connection.
func NATS(client *nats.Conn, prefix string) *NATSMedium {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMedium{
		client: client,
		prefix: prefix,
		logger: slogx.Logger(nil, "broadcast"),
	}
}

// Subject returns the NATS subject used for a channel name.
func (m *NATSMedium) Subject(name string) string {
	return m.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(name))
}

func (m *NATSMedium) Open(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &natsHandle{
		id:      uuidx.NewString(),
		name:    name,
		subject: m.Subject(name),
		client:  m.client,
		inbox:   make(chan []byte, defaultBufferSize),
		done:    make(chan struct{}),
		logger:  m.logger,
	}
	sub, err := m.client.Subscribe(h.subject, h.receive)
	if err != nil {
		return nil, fmt.Errorf("open broadcast channel %q: %w", name, err)
	}
	h.sub = sub
	return h, nil
}

type natsHandle struct {
	id        string
	name      string
	subject   string
	client    *nats.Conn
	sub       *nats.Subscription
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (h *natsHandle) Name() string {
	return h.name
}

func (h *natsHandle) receive(msg *nats.Msg) {
	if msg.Header.Get(originHeader) == h.id {
		return
	}
	select {
	case h.inbox <- msg.Data:
	case <-h.done:
	default:
		h.logger.Warn("dropping broadcast for slow consumer", slogx.Topic(h.name))
	}
}

func (h *natsHandle) Post(ctx context.Context, value []byte) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	msg := nats.NewMsg(h.subject)
	msg.Header.Set(originHeader, h.id)
	msg.Data = value
	if err := h.client.PublishMsg(msg); err != nil {
		return fmt.Errorf("post on %q: %w", h.name, err)
	}
	return nil
}

func (h *natsHandle) Messages() <-chan []byte {
	return h.inbox
}

func (h *natsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if uerr := h.sub.Unsubscribe(); uerr != nil {
			err = fmt.Errorf("close broadcast channel %q: %w", h.name, uerr)
		}
	})
	return err
}
