package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

const sendBufferSize = 256

// Client is one member connection held by the relay.
type Client struct {
	connID      string
	id          peermux.PeerID
	service     string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming envelopes
	writeWait   time.Duration
	pingPeriod  time.Duration
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(conn *websocket.Conn, service string, id peermux.PeerID, remoteAddr string, cfg *ServerConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.RateLimitConfig != nil && cfg.RateLimitConfig.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimitConfig.MessagesPerSecond, cfg.RateLimitConfig.Burst)
	}

	writeWait, pongWait := cfg.WriteWait, cfg.PongWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}

	client := &Client{
		connID:      uuid.NewString(),
		id:          id,
		service:     service,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		rateLimiter: limiter,
		writeWait:   writeWait,
		pingPeriod:  pingPeriodFor(pongWait),
	}

	go client.writePump()

	return client
}

// ConnID returns the unique id of this physical connection.
func (c *Client) ConnID() string {
	return c.connID
}

// ID returns the member's peer id within its service.
func (c *Client) ID() peermux.PeerID {
	return c.id
}

// Service returns the service the member joined.
func (c *Client) Service() string {
	return c.service
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send encodes e and queues it for the write pump.
func (c *Client) Send(ctx context.Context, e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: %s", peermux.ErrNotOpen, peermux.ErrMsgConnectionClose)
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", peermux.ErrNotOpen, peermux.ErrMsgConnectionClose)
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// the peer may already be gone, the close frame is best effort
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

	close(c.sendCh)
	// the write pump may have closed the connection first
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit reports whether one more inbound envelope is allowed.
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// pingPeriodFor keeps pings comfortably inside the peer's read deadline.
func pingPeriodFor(pongWait time.Duration) time.Duration {
	return pongWait * 9 / 10
}
