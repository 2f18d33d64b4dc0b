package broadcast

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/tandem/pkg/slogx"
	"github.com/casualjim/tandem/pkg/uuidx"
)

// LocalHub is an in-process Medium.
type LocalHub struct {
	channels            *haxmap.Map[string, *localChannel]
	slowConsumerTimeout time.Duration
	bufferSize          int
	logger              *slog.Logger
}

// Local creates an in-process hub.
func Local() *LocalHub {
	return &LocalHub{
		channels:            haxmap.New[string, *localChannel](),
		slowConsumerTimeout: defaultSlowConsumerTimeout,
		bufferSize:          defaultBufferSize,
		logger:              slogx.Logger(nil, "broadcast"),
	}
}

// WithSlowConsumerTimeout configures how long a post waits on a full handle
// before dropping the value for it.
func (h *LocalHub) WithSlowConsumerTimeout(timeout time.Duration) *LocalHub {
	h.slowConsumerTimeout = timeout
	return h
}

// WithBufferSize configures the per-handle buffer.
func (h *LocalHub) WithBufferSize(size int) *LocalHub {
	h.bufferSize = size
	return h
}

func (h *LocalHub) Open(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := h.channels.GetOrCompute(name, func() *localChannel {
		return &localChannel{
			name:    name,
			handles: haxmap.New[string, *localHandle](),
		}
	})

	id := uuidx.NewString()
	handle := &localHandle{
		id:      id,
		channel: ch,
		hub:     h,
		inbox:   make(chan []byte, h.bufferSize),
		done:    make(chan struct{}),
	}
	ch.handles.Set(id, handle)
	return handle, nil
}

// Handles returns the number of open handles for name.
func (h *LocalHub) Handles(name string) int {
	ch, ok := h.channels.Get(name)
	if !ok {
		return 0
	}
	return int(ch.handles.Len())
}

type localChannel struct {
	name    string
	handles *haxmap.Map[string, *localHandle]
}

type localHandle struct {
	id        string
	channel   *localChannel
	hub       *LocalHub
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *localHandle) Name() string {
	return l.channel.name
}

func (l *localHandle) Post(ctx context.Context, value []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	var targets []*localHandle
	l.channel.handles.ForEach(func(id string, other *localHandle) bool {
		if other != nil && id != l.id {
			targets = append(targets, other)
		}
		return true
	})

	for _, other := range targets {
		if err := other.deliver(ctx, slices.Clone(value)); err != nil {
			return err
		}
	}
	return nil
}

func (l *localHandle) deliver(ctx context.Context, value []byte) error {
	select {
	case l.inbox <- value:
		return nil
	default:
	}

	timer := time.NewTimer(l.hub.slowConsumerTimeout)
	defer timer.Stop()
	select {
	case l.inbox <- value:
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		l.hub.logger.Warn("dropping broadcast for slow consumer", slogx.Topic(l.channel.name))
	}
	return nil
}

func (l *localHandle) Messages() <-chan []byte {
	return l.inbox
}

func (l *localHandle) Close() error {
	l.closeOnce.Do(func() {
		l.channel.handles.Del(l.id)
		close(l.done)
	})
	return nil
}
