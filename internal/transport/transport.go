// Package transport defines the duplex connection boundary the push core
// writes to. The core never parses transport framing; it assumes ordered,
// reliable byte-stream delivery to one client.
package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates the connection is closed. Both Send and Receive return
// it after the peer disconnects or Close is called.
var ErrClosed = errors.New("connection closed")

// Conn is one client's duplex connection.
type Conn interface {
	// Send writes one message to the client. Transient failures are the
	// caller's to retry; ErrClosed is terminal.
	Send(ctx context.Context, data []byte) error

	// Receive blocks for the next inbound message.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
