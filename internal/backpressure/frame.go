package backpressure

import (
	"encoding/json"
	"time"

	"github.com/ghantakiran/axion-stock-sub002/internal/router"
)

// frame is the JSON envelope written to the client. Type is "message" for
// routed payloads and "dropped" for loss notifications.
type frame struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel"`
	Sequence    uint64          `json:"sequence,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitempty"`
	Count       uint64          `json:"count,omitempty"`
	FromSeq     uint64          `json:"from_seq,omitempty"`
	ToSeq       uint64          `json:"to_seq,omitempty"`
}

func encodeMessageFrame(m *router.Message) ([]byte, error) {
	return json.Marshal(frame{
		Type:        "message",
		Channel:     m.Channel,
		Sequence:    m.Sequence,
		Priority:    m.Priority.String(),
		Payload:     json.RawMessage(m.Payload),
		PublishedAt: m.PublishedAt,
	})
}

func encodeDroppedFrame(n *router.DroppedNotice) ([]byte, error) {
	return json.Marshal(frame{
		Type:    "dropped",
		Channel: n.Channel,
		Count:   n.Count,
		FromSeq: n.FromSeq,
		ToSeq:   n.ToSeq,
	})
}
