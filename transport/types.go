package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QoS is the MQTT delivery guarantee requested for a subscription or publish.
type QoS uint8

const (
	QoS0 QoS = iota
	QoS1
	QoS2
)

// Valid reports whether q is one of 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= QoS2
}

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = errors.New("not connected")
	ErrRefused        = errors.New("connection refused")
)

// Options are the connection parameters handed to a Dialer.
type Options struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Hook receives the asynchronous events of one connection. Implementations must
// not call OnClose for a connection closed through Conn.Close.
type Hook interface {
	OnMessage(topic string, payload []byte)

	OnError(error)

	OnClose(error)
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, opts Options, hook Hook) (Conn, error)
}

// Conn is one established broker connection.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos QoS) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
	IsConnected() bool
	Close() error
}

// Error is a failed transport operation.
type Error struct {
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func timeUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
