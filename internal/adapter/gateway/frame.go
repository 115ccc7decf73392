package gateway

import (
	"encoding/json"
	"fmt"

	"chatlink/internal/domain"
)

// FrameType identifies the kind of frame exchanged over the WebSocket
// connection.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the gateway. Exactly one of
// Method, OK or Event is meaningful depending on Type.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Params  json.RawMessage `json:"params,omitempty"`  // request parameters
	OK      bool            `json:"ok,omitempty"`      // response success flag
	Payload json.RawMessage `json:"payload,omitempty"` // response result or event body
	Event   string          `json:"event,omitempty"`   // event name (event only)
}

// DecodeFrame parses raw bytes into a Frame and performs minimal
// validation. The read loop discards frames that fail to decode; the
// error here is for the caller's log line, nothing more.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameRequest, FrameResponse, FrameEvent:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidFrame, f.Type)
	}
	if f.Type == FrameResponse && f.ID == "" {
		return Frame{}, fmt.Errorf("%w: response without id", domain.ErrInvalidFrame)
	}
	if f.Type == FrameEvent && f.Event == "" {
		return Frame{}, fmt.Errorf("%w: event without name", domain.ErrInvalidFrame)
	}
	return f, nil
}

// NewRequest builds a request frame with marshalled params.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}
