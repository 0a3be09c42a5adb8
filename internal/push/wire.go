// Package push is the connection-facing service: it accepts transports,
// registers them, runs their inbound command loops and fans routed messages
// out to per-connection queues.
package push

import "encoding/json"

// command is a client-to-server frame.
type command struct {
	Op       string          `json:"op"` // subscribe | unsubscribe | publish | ping
	Channel  string          `json:"channel,omitempty"`
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// control is a server-to-client frame for everything that is not routed
// data: connection greetings, acks and errors.
type control struct {
	Type      string `json:"type"` // hello | ack | pong | error
	Op        string `json:"op,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ConnID    string `json:"conn_id,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
	Error     string `json:"error,omitempty"`
}

func encodeControl(c control) []byte {
	data, _ := json.Marshal(c)
	return data
}
