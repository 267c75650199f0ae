// Package feed implements the live tick feed client and the batching writer
// that mirrors tick-driven PnL snapshots into the shared cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketwheel/sentinel/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for every tick received from the feed.
type TickHandler func(domain.Tick)

// subCommand is the subscription envelope sent to the feed server.
type subCommand struct {
	Action       string `json:"action"` // "subscribe" or "unsubscribe"
	Segment      string `json:"segment"`
	InstrumentID string `json:"instrument_id"`
}

type subKey struct {
	segment      string
	instrumentID string
}

// Client is a WebSocket client for the tick feed. It manages the connection
// lifecycle, restores subscriptions on reconnect, and dispatches ticks to
// registered handlers. It implements domain.TickSource.
type Client struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// writeMu serialises every frame written to the socket: command writes,
	// keepalive pings and the closing handshake. gorilla/websocket allows at
	// most one concurrent writer per connection.
	writeMu sync.Mutex

	// reconnectBase is the initial backoff delay; shortened in tests.
	reconnectBase time.Duration

	// Active subscriptions, restored after every reconnect.
	subscriptions map[subKey]struct{}

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewClient creates a tick feed client for the given WebSocket URL.
func NewClient(wsURL string) *Client {
	return &Client{
		wsURL:         wsURL,
		reconnectBase: reconnectDelay,
		subscriptions: make(map[subKey]struct{}),
		done:          make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection, starts the read and ping
// loops, and restores any subscriptions recorded before the connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("feed: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	c.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Both loops are bound to this connection instance. After a reconnect
	// the stale loops must never touch the replacement.
	go c.readLoop(conn)
	go c.pingLoop(conn)

	for key := range c.subscriptions {
		if err := c.sendCommand(conn, subCommand{
			Action:       "subscribe",
			Segment:      key.segment,
			InstrumentID: key.instrumentID,
		}); err != nil {
			return fmt.Errorf("feed: restore subscription %s/%s: %w", key.segment, key.instrumentID, err)
		}
	}

	return nil
}

// Subscribe registers interest in an instrument. The subscription is
// recorded even when the connection is down and restored on reconnect, so
// the call is idempotent and safe during outages.
func (c *Client) Subscribe(segment, instrumentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{segment: segment, instrumentID: instrumentID}
	if _, ok := c.subscriptions[key]; ok {
		return nil
	}
	c.subscriptions[key] = struct{}{}

	if c.conn == nil {
		return nil // restored on connect
	}
	if err := c.sendCommand(c.conn, subCommand{Action: "subscribe", Segment: segment, InstrumentID: instrumentID}); err != nil {
		return fmt.Errorf("feed: subscribe %s/%s: %w", segment, instrumentID, err)
	}
	return nil
}

// Unsubscribe drops interest in an instrument.
func (c *Client) Unsubscribe(segment, instrumentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{segment: segment, instrumentID: instrumentID}
	if _, ok := c.subscriptions[key]; !ok {
		return nil
	}
	delete(c.subscriptions, key)

	if c.conn == nil {
		return nil
	}
	if err := c.sendCommand(c.conn, subCommand{Action: "unsubscribe", Segment: segment, InstrumentID: instrumentID}); err != nil {
		return fmt.Errorf("feed: unsubscribe %s/%s: %w", segment, instrumentID, err)
	}
	return nil
}

// OnTick registers a handler called for every received tick.
func (c *Client) OnTick(handler TickHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		err := c.conn.Close()
		c.writeMu.Unlock()
		return err
	}
	return nil
}

// sendCommand writes a JSON command to the given connection. Caller must hold
// c.mu; the frame write itself is serialised with the ping loop via writeMu.
func (c *Client) sendCommand(conn *websocket.Conn, cmd subCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages from its connection and dispatches ticks to
// handlers. On disconnect it triggers reconnection with exponential backoff.
func (c *Client) readLoop(conn *websocket.Conn) {
	// Close only the connection this loop was started with. By the time the
	// deferred close runs after a reconnect, c.conn already points at the
	// replacement, which must stay untouched.
	defer conn.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.reconnect(conn)
			return // a fresh readLoop owns the replacement connection
		}

		c.handleMessage(message)
	}
}

// pingLoop sends periodic pings to keep its connection alive. It stops once
// the connection is superseded by a reconnect or a ping write fails.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			c.mu.RUnlock()
			if current != conn {
				return
			}

			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw message and dispatches it to tick handlers.
// Unparseable messages are silently dropped.
func (c *Client) handleMessage(raw []byte) {
	var tick domain.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return
	}
	if tick.InstrumentID == "" {
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed. failed is the connection
// whose read loop observed the error; if another caller already replaced it,
// there is nothing to do.
func (c *Client) reconnect(failed *websocket.Conn) {
	delay := c.reconnectBase

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		current := c.conn
		c.mu.RUnlock()
		if current != failed {
			return
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Compile-time interface check.
var _ domain.TickSource = (*Client)(nil)
