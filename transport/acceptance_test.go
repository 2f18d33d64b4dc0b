package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialerFactory returns a dialer and the URL to dial it with.
type dialerFactory func(t *testing.T) (Dialer, string)

type acceptanceTest struct {
	name string
	test func(t *testing.T, factory dialerFactory)
}

func runAcceptanceTests(t *testing.T, name string, factory dialerFactory) {
	tests := []acceptanceTest{
		{"delivers published messages", testDelivers},
		{"matches single level wildcards", testWildcard},
		{"stops delivery after unsubscribe", testUnsubscribe},
		{"close does not report a lost connection", testCloseIsSilent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

func TestDialerImplementations(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		runAcceptanceTests(t, "Memory", func(t *testing.T) (Dialer, string) {
			return Memory(), "memory://"
		})
	})

	t.Run("NATS", func(t *testing.T) {
		runAcceptanceTests(t, "NATS", func(t *testing.T) (Dialer, string) {
			return NATS(), natsAvailable(t)
		})
	})

	t.Run("MQTT", func(t *testing.T) {
		runAcceptanceTests(t, "MQTT", func(t *testing.T) (Dialer, string) {
			return MQTT(), mqttAvailable(t)
		})
	})
}

func uniqueTopic(t *testing.T, suffix string) string {
	return fmt.Sprintf("tandem-test/%d/%s", time.Now().UnixNano(), suffix)
}

func testDelivers(t *testing.T, factory dialerFactory) {
	d, url := factory(t)
	hook := newRecordingHook()
	conn := dial(t, d, url, hook)
	ctx := context.Background()
	topic := uniqueTopic(t, "room")

	require.NoError(t, conn.Subscribe(ctx, topic, QoS1))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Publish(ctx, topic, []byte(`{"n":1}`), QoS1, false))

	m := hook.next(t)
	assert.Equal(t, topic, m.topic)
	assert.Equal(t, `{"n":1}`, m.payload)
	assert.True(t, conn.IsConnected())
}

func testWildcard(t *testing.T, factory dialerFactory) {
	d, url := factory(t)
	hook := newRecordingHook()
	conn := dial(t, d, url, hook)
	ctx := context.Background()
	base := uniqueTopic(t, "rooms")

	require.NoError(t, conn.Subscribe(ctx, base+"/+", QoS0))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Publish(ctx, base+"/42", []byte("hi"), QoS0, false))

	m := hook.next(t)
	assert.Equal(t, base+"/42", m.topic)
	assert.Equal(t, "hi", m.payload)
}

func testUnsubscribe(t *testing.T, factory dialerFactory) {
	d, url := factory(t)
	hook := newRecordingHook()
	conn := dial(t, d, url, hook)
	ctx := context.Background()
	topic := uniqueTopic(t, "room")

	require.NoError(t, conn.Subscribe(ctx, topic, QoS0))
	require.NoError(t, conn.Unsubscribe(ctx, topic))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Publish(ctx, topic, []byte("late"), QoS0, false))

	hook.none(t, 200*time.Millisecond)
}

func testCloseIsSilent(t *testing.T, factory dialerFactory) {
	d, url := factory(t)
	hook := newRecordingHook()
	ctx := context.Background()
	conn, err := d.Dial(ctx, Options{URL: url, ConnectTimeout: 2 * time.Second}, hook)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	select {
	case err := <-hook.closed:
		t.Fatalf("unexpected OnClose: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, conn.IsConnected())
}
