// ABOUTME: Wire message envelope shared by every duplex channel.
// ABOUTME: Carries request/reply correlation ids and preserves raw bytes for verbatim relay.

package channel

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for every frame exchanged on a channel. Requests
// carry an ID and a Method; replies carry the same ID with a Result or Error;
// notifications carry a Method and no ID.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`

	// Raw holds the original frame bytes so forwarding can pass frames
	// through without re-encoding them.
	Raw []byte `json:"-"`
}

// WireError is the error member of a reply frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsReply reports whether the message answers a prior request: it has an
// ID but no method of its own.
func (m *Message) IsReply() bool {
	return m.ID != "" && m.Method == ""
}

// ParseMessage decodes a frame and retains the raw bytes on the result.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	msg.Raw = raw
	return &msg, nil
}
