package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/tandem/pkg/slogx"
)

const (
	DefaultMailboxSize = 64
	DefaultSlowTimeout = 100 * time.Millisecond
)

// Mailbox serializes the invocations of one member's callbacks on a dedicated
// goroutine. A message that cannot be queued within the slow-consumer timeout
// is dropped.
type Mailbox[M any] struct {
	id          string
	inbox       chan M
	done        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
	slowTimeout time.Duration
	handler     func(M)
	logger      *slog.Logger
}

// NewMailbox starts a mailbox that calls handler for every posted message.
func NewMailbox[M any](id string, handler func(M), size int, slowTimeout time.Duration, logger *slog.Logger) *Mailbox[M] {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	if slowTimeout <= 0 {
		slowTimeout = DefaultSlowTimeout
	}
	m := &Mailbox[M]{
		id:          id,
		inbox:       make(chan M, size),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		slowTimeout: slowTimeout,
		handler:     handler,
		logger:      slogx.Logger(logger, "mailbox"),
	}
	go m.forward()
	return m
}

// Post queues msg and reports whether it was accepted.
func (m *Mailbox[M]) Post(msg M) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	timer := time.NewTimer(m.slowTimeout)
	defer timer.Stop()

	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	case <-timer.C:
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "slow consumer, dropping message",
			slogx.ContextID(m.id), slog.Duration("timeout", m.slowTimeout))
		return false
	}
}

// Close stops the mailbox. Queued messages that have not started are
// discarded. Close does not wait for an in-flight callback.
func (m *Mailbox[M]) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Mailbox[M]) forward() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.inbox:
			select {
			case <-m.done:
				return
			default:
			}
			m.handler(msg)
		}
	}
}
