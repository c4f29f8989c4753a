package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer accepts websocket connections and records inbound frames.
type wsTestServer struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	accepted int

	server *httptest.Server
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{t: t}
	ws.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.accepted++
		ws.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			ws.mu.Lock()
			ws.received = append(ws.received, string(data))
			ws.mu.Unlock()
		}
	}))
	t.Cleanup(ws.server.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.server.URL, "http")
}

func (ws *wsTestServer) lastConn() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.conns) == 0 {
		return nil
	}
	return ws.conns[len(ws.conns)-1]
}

func (ws *wsTestServer) acceptedCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.accepted
}

func (ws *wsTestServer) receivedFrames() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.received...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestChannel(url string) *Channel {
	logger := zerolog.New(io.Discard)
	c := NewChannel(url, &logger)
	c.reconnectDelay = 50 * time.Millisecond
	c.pingInterval = time.Hour
	return c
}

func TestConnectRequestsStatus(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestChannel(ws.url())
	defer c.Shutdown()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	waitFor(t, 2*time.Second, func() bool {
		frames := ws.receivedFrames()
		return len(frames) > 0 && frames[0] == TokenGetStatus
	})
}

func TestDispatch(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestChannel(ws.url())
	defer c.Shutdown()

	var mu sync.Mutex
	var got []Message
	c.OnMessage(func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return ws.lastConn() != nil })
	conn := ws.lastConn()
	ctx := context.Background()

	// Malformed frames are dropped; the channel stays up and later frames
	// still reach the handler.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{broken")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"no_type":true}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"queue_update","event":"job_started","job_id":"j1"}`)))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MessageTypeQueueUpdate, got[0].Type)
	assert.Equal(t, EventJobStarted, got[0].Event)
	assert.Equal(t, "j1", got[0].JobID)
	assert.True(t, c.Connected())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestChannel(ws.url())
	defer c.Shutdown()

	var mu sync.Mutex
	var codes []websocket.StatusCode
	c.OnClose(func(code websocket.StatusCode, _ string) {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return ws.lastConn() != nil })

	// Server drops the connection without a close frame.
	require.NoError(t, ws.lastConn().CloseNow())

	waitFor(t, 3*time.Second, func() bool { return ws.acceptedCount() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return c.Connected() })

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, codes)
	assert.Equal(t, websocket.StatusAbnormalClosure, codes[0])
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	ws := newWSTestServer(t)
	c := newTestChannel(ws.url())

	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return ws.lastConn() != nil })

	require.NoError(t, ws.lastConn().Close(websocket.StatusNormalClosure, "done"))

	waitFor(t, 2*time.Second, func() bool { return !c.Connected() })

	// Give a would-be reconnect several delays worth of time to show up.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, ws.acceptedCount())
	c.Shutdown()
}

func TestSendWhileDisconnected(t *testing.T) {
	logger := zerolog.New(io.Discard)
	c := NewChannel("ws://127.0.0.1:0", &logger)
	err := c.Send(context.Background(), NewCancelRequest("j1"))
	assert.Error(t, err)
}
