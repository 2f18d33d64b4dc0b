package transport

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type received struct {
	topic   string
	payload string
}

type recordingHook struct {
	mu       sync.Mutex
	messages chan received
	errs     []error
	closed   chan error
}

func newRecordingHook() *recordingHook {
	return &recordingHook{
		messages: make(chan received, 100),
		closed:   make(chan error, 1),
	}
}

func (h *recordingHook) OnMessage(topic string, payload []byte) {
	h.messages <- received{topic: topic, payload: string(payload)}
}

func (h *recordingHook) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHook) OnClose(err error) {
	select {
	case h.closed <- err:
	default:
	}
}

func (h *recordingHook) next(t *testing.T) received {
	t.Helper()
	select {
	case m := <-h.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return received{}
	}
}

func (h *recordingHook) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-h.messages:
		t.Fatalf("unexpected message on %s: %s", m.topic, m.payload)
	case <-time.After(wait):
	}
}

func natsAvailable(t *testing.T) string {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(200*time.Millisecond))
	if err != nil {
		t.Skipf("no NATS server at %s: %v", nats.DefaultURL, err)
	}
	nc.Close()
	return nats.DefaultURL
}

func mqttAvailable(t *testing.T) string {
	t.Helper()
	u := os.Getenv("TANDEM_MQTT_URL")
	if u == "" {
		t.Skip("TANDEM_MQTT_URL not set")
	}
	return u
}

func dial(t *testing.T, d Dialer, url string, hook Hook) Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, Options{URL: url, ConnectTimeout: 2 * time.Second}, hook)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
