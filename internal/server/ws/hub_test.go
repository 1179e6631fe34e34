package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

type chanBus struct {
	chans map[string]chan []byte
}

func newChanBus(channels ...string) *chanBus {
	b := &chanBus{chans: map[string]chan []byte{}}
	for _, ch := range channels {
		b.chans[ch] = make(chan []byte, 8)
	}
	return b
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readStruct(t *testing.T, conn *websocket.Conn) *structpb.Struct {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &s))
	return &s
}

func startHub(t *testing.T, bus *chanBus, channels ...string) *websocket.Conn {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, Config{Channels: channels, Mode: "paper"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubSendsHelloThenBusFrames(t *testing.T) {
	bus := newChanBus("ch:order", "ch:risk")
	conn := startHub(t, bus, "ch:order", "ch:risk")

	hello := readStruct(t, conn).AsMap()
	assert.Equal(t, "hello", hello["channel"])
	assert.Equal(t, "paper", hello["mode"])
	assert.Equal(t, []any{"ch:order", "ch:risk"}, hello["channels"])

	bus.chans["ch:order"] <- []byte(`{"event":"order_filled","id":"o1","size":12.5}`)

	got := readStruct(t, conn).AsMap()
	assert.Equal(t, "ch:order", got["channel"])
	assert.Equal(t, "order_filled", got["event"])
	assert.Equal(t, 12.5, got["size"])
}

func TestHubSkipsUndecodablePayloads(t *testing.T) {
	bus := newChanBus("ch:risk")
	conn := startHub(t, bus, "ch:risk")
	readStruct(t, conn)

	bus.chans["ch:risk"] <- []byte("not json")
	bus.chans["ch:risk"] <- []byte(`{"event":"emergency_halt"}`)

	got := readStruct(t, conn).AsMap()
	assert.Equal(t, "emergency_halt", got["event"])
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:order": true}}
	assert.True(t, c.isSubscribed("ch:order"))
	assert.False(t, c.isSubscribed("ch:risk"))

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{"ch:*"}})
	assert.True(t, c.isSubscribed("ch:risk"))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"ch:*", "ch:order"}})
	assert.False(t, c.isSubscribed("ch:order"))
	assert.False(t, c.isSubscribed("ch:phase"))
}

func TestEncodeFrameRejectsNonObject(t *testing.T) {
	_, err := encodeFrame("ch:cycle", []byte(`[1,2]`))
	assert.Error(t, err)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(newChanBus(), Config{AllowedOrigins: []string{"https://ops.example"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://ops.example")
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}
