package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
)

var (
	// ErrConnectionClosed is returned by Send after the client was closed.
	ErrConnectionClosed = errors.New("websocket: connection closed")
	// ErrSendBufferFull is returned by Send when the peer is not keeping up.
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// Client is one accepted websocket link. It implements kephasgate.Client.
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
	closeMsg    []byte
	rateLimiter *rate.Limiter // Rate limiter for incoming frames

	pingInterval time.Duration
	writeWait    time.Duration
}

var _ kephasgate.Client = (*Client)(nil)

type clientConfig struct {
	rateLimit    *RateLimitConfig
	sendBuffer   int
	pingInterval time.Duration
	writeWait    time.Duration
}

// NewClient wraps conn and starts its write pump.
func NewClient(conn *websocket.Conn, remoteAddr string, cfg clientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.rateLimit != nil && cfg.rateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.rateLimit.MessagesPerSecond, cfg.rateLimit.Burst)
	}
	if cfg.sendBuffer < 1 {
		cfg.sendBuffer = defaultSendBuffer
	}
	if cfg.pingInterval <= 0 {
		cfg.pingInterval = defaultPingInterval
	}
	if cfg.writeWait <= 0 {
		cfg.writeWait = defaultWriteWait
	}

	client := &Client{
		id:           uuid.New().String(),
		conn:         conn,
		remoteAddr:   remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, cfg.sendBuffer),
		done:         make(chan struct{}),
		rateLimiter:  limiter,
		pingInterval: cfg.pingInterval,
		writeWait:    cfg.writeWait,
	}

	go client.writePump()

	return client
}

// ID returns the transport id assigned when the socket was accepted.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues an encoded frame. It never waits for a slow peer.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode flushes frames already queued, sends a close frame with
// code and reason and closes the socket. It waits for the write pump to
// finish or ctx to expire. The client's own context is cancelled only after
// the wait, so ctx may be Context().
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMsg = websocket.FormatCloseMessage(code, reason)
	close(c.sendCh)
	c.mu.Unlock()

	defer c.cancel()

	timer := time.NewTimer(2 * c.writeWait)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.mu.RLock()
				msg := c.closeMsg
				c.mu.RUnlock()
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.abort()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort()
				return
			}
		}
	}
}

// abort marks the client closed after a failed write so later sends fail
// fast instead of filling the buffer.
func (c *Client) abort() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	c.cancel()
}
