// Package router publishes messages into the shared broadcast medium and
// fans every broadcast out to the local connections that subscribe to its
// channel. Sequence numbers are assigned by an atomic per-channel counter in
// the coordination store before a message becomes visible anywhere.
package router

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders messages within a connection's outbound queue and decides
// who loses under overload.
type Priority uint8

const (
	PriorityCritical Priority = iota // never evicted for lower priorities
	PriorityNormal
	PriorityLow // first casualty under backpressure and throttling
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire string onto a Priority. The empty string means
// PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Message is one published event. Immutable once a sequence is assigned.
type Message struct {
	Channel     string    `json:"channel"`
	Sequence    uint64    `json:"sequence"`
	Priority    Priority  `json:"priority"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// DroppedNotice reports a contiguous range of messages the client did not
// receive. Loss is never silent: every queue or replay-buffer overflow is
// converted into exactly one of these covering the gap.
type DroppedNotice struct {
	Channel string `json:"channel"`
	Count   uint64 `json:"count"`
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

// Channel namespace: unicast and multicast are ordinary channels with
// deterministically derived names.
const (
	unicastPrefix   = "conn."
	multicastPrefix = "group."
)

// UnicastChannel returns the channel addressing a single connection.
func UnicastChannel(connID string) string { return unicastPrefix + connID }

// GroupChannel returns the channel addressing a named multicast group.
func GroupChannel(name string) string { return multicastPrefix + name }

// UnicastConnID extracts the connection ID from a unicast channel name.
func UnicastConnID(channel string) (string, bool) {
	if len(channel) > len(unicastPrefix) && channel[:len(unicastPrefix)] == unicastPrefix {
		return channel[len(unicastPrefix):], true
	}
	return "", false
}

func encodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
