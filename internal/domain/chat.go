package domain

// StreamState classifies a chat event within a run.
type StreamState string

const (
	StreamDelta   StreamState = "delta"
	StreamFinal   StreamState = "final"
	StreamAborted StreamState = "aborted"
	StreamError   StreamState = "error"
)

// EventMessage is the partial or complete message body carried by a
// chat event.
type EventMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatEvent is one server-pushed increment of a streaming generation.
// RunID identifies the generation; Seq is a server-assigned ordering
// hint within the run (0 when the server does not supply one).
type ChatEvent struct {
	RunID      string        `json:"runId"`
	SessionKey string        `json:"sessionKey"`
	Seq        int64         `json:"seq,omitempty"`
	State      StreamState   `json:"state"`
	Message    *EventMessage `json:"message,omitempty"`
	ErrorMsg   string        `json:"errorMessage,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
	StopReason string        `json:"stopReason,omitempty"`
}

// HistoryTurn is one prior conversation turn returned by a history
// replay request.
type HistoryTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds, 0 = unknown
}
