package botstream

import (
	"encoding/json"
	"time"
)

// Frame is the envelope of every message exchanged with the bot push endpoint.
// Timestamp is kept raw because the backend sends either an ISO string or a
// float seconds value depending on the message kind.
type Frame struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PingFrame is the outbound heartbeat frame
type PingFrame struct {
	Type string `json:"type"` // Always "ping"
}

// NewPingFrame returns the serialized heartbeat frame.
func NewPingFrame() []byte {
	b, _ := json.Marshal(PingFrame{Type: "ping"})
	return b
}

// Time interprets the frame timestamp. It accepts RFC3339 strings (with or
// without zone) and numeric seconds. The second return value is false when the
// timestamp is absent or unparseable.
func (f Frame) Time() (time.Time, bool) {
	if len(f.Timestamp) == 0 || string(f.Timestamp) == "null" {
		return time.Time{}, false
	}

	var secs float64
	if err := json.Unmarshal(f.Timestamp, &secs); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC(), true
	}

	var s string
	if err := json.Unmarshal(f.Timestamp, &s); err != nil {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
