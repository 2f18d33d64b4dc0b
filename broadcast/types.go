package broadcast

import (
	"context"
	"errors"
	"time"
)

const (
	defaultBufferSize          = 64
	defaultSlowConsumerTimeout = 100 * time.Millisecond
)

var ErrClosed = errors.New("broadcast channel closed")

// Medium opens channel handles by name.
type Medium interface {
	Open(ctx context.Context, name string) (Channel, error)
}

// Channel is one handle on a named broadcast channel. Messages is never
// closed; readers stop once they have called Close.
type Channel interface {
	Name() string
	Post(ctx context.Context, value []byte) error
	Messages() <-chan []byte
	Close() error
}
