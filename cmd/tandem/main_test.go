package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, "memory", f.transport)
		assert.Equal(t, "local", f.medium)
		assert.Equal(t, "room/42", f.topic)
		assert.Equal(t, 3, f.members)
		assert.Equal(t, 10, f.count)
		assert.Equal(t, time.Second, f.interval)
	})

	t.Run("overrides", func(t *testing.T) {
		f, err := parseFlags([]string{"-t", "nats", "--medium=nats", "-n", "5", "--topic", "chat/+", "--idempotent", "-i", "250ms", "--kill-leader-at", "3"})
		require.NoError(t, err)
		assert.Equal(t, "nats", f.transport)
		assert.Equal(t, "nats", f.medium)
		assert.Equal(t, 5, f.members)
		assert.Equal(t, "chat/+", f.topic)
		assert.True(t, f.idempotent)
		assert.Equal(t, 250*time.Millisecond, f.interval)
		assert.Equal(t, 3, f.killLeaderAt)
	})

	t.Run("rejects no members", func(t *testing.T) {
		_, err := parseFlags([]string{"-n", "0"})
		assert.Error(t, err)
	})
}

func TestBuildPayload(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	payload, err := buildPayload(7, "a1", at)
	require.NoError(t, err)

	doc := gjson.ParseBytes(payload)
	assert.Equal(t, int64(7), doc.Get("seq").Int())
	assert.Equal(t, "a1", doc.Get("from").String())
	assert.Equal(t, "2024-01-01T12:00:00Z", doc.Get("sent_at").String())
}

func TestSelect(t *testing.T) {
	_, _, err := selectTransport(flags{transport: "carrier-pigeon"})
	assert.Error(t, err)
	_, _, err = selectMedium(flags{medium: "smoke"})
	assert.Error(t, err)

	d, url, err := selectTransport(flags{transport: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Equal(t, "memory://local", url)
}

func TestRun(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var out syncBuffer
	f := flags{
		transport: "memory",
		medium:    "local",
		topic:     "room/42",
		members:   2,
		count:     3,
		interval:  50 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, f, newConsole(&out)))

	text := out.String()
	assert.Contains(t, text, "connection connected")
	assert.Contains(t, text, `"seq":1`)
	assert.GreaterOrEqual(t, strings.Count(text, "room/42 {"), 3)
}
