package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig tunes the websocket adapter.
type WSConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultWSConfig returns production defaults for the adapter.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// WSConn adapts a gorilla websocket connection to the Conn boundary. The
// drain loop is the sole caller of Send, but pings come from an internal
// ticker, so writes are serialized with a mutex.
type WSConn struct {
	conn   *websocket.Conn
	cfg    WSConfig
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewWSConn wraps an upgraded websocket connection and starts its keepalive.
func NewWSConn(conn *websocket.Conn, cfg WSConfig) *WSConn {
	if cfg.WriteTimeout <= 0 {
		cfg = DefaultWSConfig()
	}
	c := &WSConn{conn: conn, cfg: cfg, closed: make(chan struct{})}

	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	})

	go c.pingLoop()
	return c
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.wmu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send writes one text message to the client.
func (c *WSConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive blocks for the next inbound message.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.Close()
		return nil, ErrClosed
	}
	return data, nil
}

// Close tears the connection down. Idempotent.
func (c *WSConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
		c.wmu.Unlock()
		c.conn.Close()
	})
	return nil
}

// RemoteAddr describes the peer.
func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
