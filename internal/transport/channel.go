// Package transport maintains the long-lived websocket connection to the
// server's queue endpoint: liveness pings, reconnect-with-delay on abnormal
// closure, and fan-out of decoded messages to a single handler.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"jobtrack/internal/metrics"
	"jobtrack/internal/models"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// MessageHandler receives every well-formed inbound message, in delivery order.
type MessageHandler func(msg Message)

// CloseHandler is invoked once per connection loss with the observed close code.
type CloseHandler func(code websocket.StatusCode, reason string)

// Channel owns the websocket connection. All reconnect logic lives here;
// callers only see messages and close notifications.
type Channel struct {
	url    string
	logger zerolog.Logger

	pingInterval   time.Duration
	reconnectDelay time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connCtx   context.Context
	connStop  context.CancelFunc
	onMessage MessageHandler
	onClose   CloseHandler

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(url string, logger *zerolog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:            url,
		logger:         logger.With().Str("component", "transport").Logger(),
		pingInterval:   models.PingInterval,
		reconnectDelay: models.ReconnectDelay,
		runCtx:         ctx,
		cancel:         cancel,
	}
}

// OnMessage registers the message handler. Must be called before Connect.
func (c *Channel) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnClose registers the close handler. Must be called before Connect.
func (c *Channel) OnClose(handler CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

// Connect dials the queue endpoint, requests a full status snapshot, and
// starts the read and ping loops.
func (c *Channel) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	connCtx, connStop := context.WithCancel(c.runCtx)

	c.mu.Lock()
	c.conn = conn
	c.connCtx = connCtx
	c.connStop = connStop
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("channel connected")

	// Ask for the authoritative snapshot right away so the local view does
	// not wait for the next server push.
	if err := c.sendText(connCtx, TokenGetStatus); err != nil {
		c.logger.Warn().Err(err).Msg("initial status request failed")
	}

	c.wg.Add(2)
	go c.readLoop(conn, connCtx)
	go c.pingLoop(conn, connCtx)
	return nil
}

// Connected reports whether a live connection is held.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals payload to JSON and writes it as a text frame. String
// payloads are sent verbatim (the plain ping/get_status tokens).
func (c *Channel) Send(ctx context.Context, payload interface{}) error {
	if s, ok := payload.(string); ok {
		return c.sendText(ctx, s)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode channel message: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Channel) sendText(ctx context.Context, s string) error {
	return c.write(ctx, []byte(s))
}

func (c *Channel) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel is not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection with the given code. A normal-closure code
// suppresses the automatic reconnect; the caller must Connect again.
func (c *Channel) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

// Shutdown tears the channel down for good: no reconnects, loops stopped.
func (c *Channel) Shutdown() {
	c.cancel()
	_ = c.Close(websocket.StatusNormalClosure, "shutting down")
	c.wg.Wait()
}

func (c *Channel) readLoop(conn *websocket.Conn, ctx context.Context) {
	defer c.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler == nil {
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		// Malformed payloads are logged and dropped; they must never take
		// the channel down or escape the handler.
		c.logger.Warn().Str("payload", truncate(data, 200)).Msg("discarding malformed channel message")
		return
	}
	handler(msg)
}

func (c *Channel) pingLoop(conn *websocket.Conn, ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(TokenPing)); err != nil {
				c.logger.Debug().Err(err).Msg("liveness ping failed")
				return
			}
		}
	}
}

func (c *Channel) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.connStop != nil {
			c.connStop()
		}
	}
	onClose := c.onClose
	c.mu.Unlock()

	code := websocket.CloseStatus(err)
	if code == -1 {
		// No close frame means the transport dropped out from under us.
		code = websocket.StatusAbnormalClosure
	}

	c.logger.Info().Int("code", int(code)).Err(err).Msg("channel closed")
	if onClose != nil {
		onClose(code, err.Error())
	}

	if code == websocket.StatusNormalClosure {
		return
	}

	// One scheduled reconnect attempt per connection loss. Dial failures
	// reschedule themselves; they are transient transport errors.
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	select {
	case <-c.runCtx.Done():
		return
	default:
	}

	metrics.IncReconnect()
	time.AfterFunc(c.reconnectDelay, func() {
		select {
		case <-c.runCtx.Done():
			return
		default:
		}
		if err := c.Connect(c.runCtx); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect failed, rescheduling")
			c.scheduleReconnect()
		}
	})
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "…"
}
