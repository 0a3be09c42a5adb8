// Package client is a Go SDK for the push service. It maintains one
// websocket connection with automatic reconnection: as long as the server
// still holds the session, a reconnect resumes it and the server replays
// whatever was missed; once the session is gone the client starts fresh
// and resubscribes itself.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Event is one server frame: routed data, a drop notice, an ack or an
// error.
type Event struct {
	Type      string          `json:"type"`
	Op        string          `json:"op,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ConnID    string          `json:"conn_id,omitempty"`
	Resumed   bool            `json:"resumed,omitempty"`
	Count     uint64          `json:"count,omitempty"`
	FromSeq   uint64          `json:"from_seq,omitempty"`
	ToSeq     uint64          `json:"to_seq,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config tunes the client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// UserID identifies the client on fresh connects.
	UserID string
	// MaxReconnectWait caps the backoff between dial attempts.
	MaxReconnectWait time.Duration
	// Buffer sizes the event channel; the read loop drops events when the
	// consumer falls this far behind.
	Buffer int
}

// Client is a connection to the push service with automatic resume.
type Client struct {
	cfg    Config
	events chan Event

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	subs      map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a client. Events arrive on Events until Close.
func New(cfg Config) *Client {
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		events: make(chan Event, cfg.Buffer),
		subs:   make(map[string]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Events is the stream of server frames.
func (c *Client) Events() <-chan Event { return c.events }

// SessionID reports the session learned from the last hello, empty before
// the first connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Subscribe asks for a channel. The subscription is remembered and
// re-established after a session loss.
func (c *Client) Subscribe(channel string) error {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil // sent on next connect
	}
	return c.write(map[string]string{"op": "subscribe", "channel": channel})
}

// Unsubscribe drops a channel.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.subs, channel)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(map[string]string{"op": "unsubscribe", "channel": channel})
}

// Publish sends a message into a channel. The ack arrives as an event.
func (c *Client) Publish(channel, priority string, payload json.RawMessage) error {
	return c.write(map[string]any{
		"op": "publish", "channel": channel, "priority": priority, "payload": payload,
	})
}

// Close tears the client down.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteJSON(v)
}

// run owns the connection: dial with backoff, serve the read loop, repeat.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		c.serve(ctx, conn)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxReconnectWait

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), nil)
		return conn, err
	}, backoff.WithBackOff(bo))
}

// endpoint carries the session for resume, or the user for a fresh
// connect.
func (c *Client) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	if c.sessionID != "" {
		q.Set("session_id", c.sessionID)
	} else {
		q.Set("user_id", c.cfg.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// serve reads frames until the connection dies. A session_expired refusal
// clears the session so the next dial starts fresh.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		switch {
		case ev.Type == "hello":
			c.mu.Lock()
			c.sessionID = ev.SessionID
			resubscribe := !ev.Resumed && len(c.subs) > 0
			c.mu.Unlock()
			if resubscribe {
				c.resubscribe()
			}
		case ev.Type == "error" && ev.Error == "session_expired":
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case c.events <- ev:
		default:
			// consumer stalled, event dropped
		}
	}
}

// resubscribe re-establishes remembered channels on a fresh session.
func (c *Client) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		c.write(map[string]string{"op": "subscribe", "channel": ch})
	}
}
