package transport

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-rpc/codec"
	"sync-rpc/message"
	"sync-rpc/protocol"
	"sync-rpc/shm"
)

// collector records delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []*message.Message
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 1024)} }

func (c *collector) handle(m *message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*message.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Message(nil), c.msgs...)
}

func testPortPair(t *testing.T, a, b Port) {
	c := newCollector()
	b.OnMessage(c.handle)

	for i := uint32(1); i <= 50; i++ {
		require.NoError(t, a.PostMessage(message.NewAsyncCall(i, "echo/echo", json.RawMessage(`{"n":1}`))))
	}
	require.NoError(t, a.PostMessage(message.NewSyncCall("fileSystem/stat", shm.Location{MemoryID: "m", Ptr: 64, Size: 100})))

	msgs := c.wait(t, 51)
	for i, m := range msgs[:50] {
		assert.Equal(t, message.KindAsyncCall, m.Kind)
		assert.Equal(t, uint32(i+1), m.ID, "delivery preserves order")
	}
	last := msgs[50]
	assert.Equal(t, message.KindSyncCall, last.Kind)
	assert.Equal(t, uint32(64), last.Region.Ptr)

	require.NoError(t, a.Close())
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not observe close")
	}
	assert.True(t, errors.Is(a.PostMessage(message.NewNotification("x", nil)), ErrClosed))
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	testPortPair(t, a, b)
}

func TestStreamPort(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		left, right := net.Pipe()
		opts := DefaultStreamOptions()
		opts.Codec = ct
		testPortPair(t, NewStreamPort(left, opts), NewStreamPort(right, opts))
	}
}

func TestPipeCopiesMessages(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	c := newCollector()
	b.OnMessage(c.handle)

	params := json.RawMessage(`{"v":1}`)
	msg := message.NewNotification("n", params)
	require.NoError(t, a.PostMessage(msg))
	params[5] = '2'

	got := c.wait(t, 1)[0]
	assert.Equal(t, `{"v":1}`, string(got.Params), "receiver does not alias sender memory")
	assert.NotSame(t, msg, got)
}

func TestPipeHoldsMessagesUntilHandler(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, a.PostMessage(message.NewAsyncCall(i, "m", nil)))
	}
	c := newCollector()
	b.OnMessage(c.handle)
	msgs := c.wait(t, 3)
	assert.Equal(t, uint32(3), msgs[2].ID)
}

func TestStreamPortHeartbeatKeepsAlive(t *testing.T) {
	left, right := net.Pipe()
	opts := StreamOptions{Codec: codec.CodecTypeBinary, Heartbeat: 10 * time.Millisecond, IdleTimeout: 60 * time.Millisecond}
	a, b := NewStreamPort(left, opts), NewStreamPort(right, opts)
	defer a.Close()
	a.OnMessage(func(*message.Message) {})
	b.OnMessage(func(*message.Message) {})

	select {
	case <-a.Done():
		t.Fatalf("port closed despite heartbeats: %v", a.Err())
	case <-time.After(200 * time.Millisecond):
	}
	assert.NoError(t, a.Err())
}

func TestStreamPortIdleTimeout(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	a := NewStreamPort(left, StreamOptions{Heartbeat: 10 * time.Millisecond, IdleTimeout: 40 * time.Millisecond})
	// the peer drains frames but never answers
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := right.Read(buf); err != nil {
				return
			}
		}
	}()
	a.OnMessage(func(*message.Message) {})

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle port was not closed")
	}
	assert.True(t, errors.Is(a.Err(), ErrIdleTimeout))
}

func TestUnencodableMessageKeepsPortOpen(t *testing.T) {
	longMethod := message.NewNotification(strings.Repeat("m", 70000), nil)

	a, b := Pipe()
	defer a.Close()
	c := newCollector()
	b.OnMessage(c.handle)
	assert.True(t, errors.Is(a.PostMessage(longMethod), ErrUnencodable))
	require.NoError(t, a.PostMessage(message.NewNotification("after", nil)))
	assert.Equal(t, "after", c.wait(t, 1)[0].Method)

	left, right := net.Pipe()
	opts := DefaultStreamOptions()
	opts.Codec = codec.CodecTypeJSON
	sa, sb := NewStreamPort(left, opts), NewStreamPort(right, opts)
	defer sa.Close()
	sc := newCollector()
	sb.OnMessage(sc.handle)
	sa.OnMessage(func(*message.Message) {})

	huge := json.RawMessage(`"` + strings.Repeat("x", int(protocol.MaxBodySize)) + `"`)
	assert.True(t, errors.Is(sa.PostMessage(message.NewNotification("big", huge)), ErrUnencodable))
	require.NoError(t, sa.PostMessage(message.NewNotification("after", nil)))
	assert.Equal(t, "after", sc.wait(t, 1)[0].Method)
	assert.NoError(t, sa.Err(), "oversized frame does not fail the stream")
}
