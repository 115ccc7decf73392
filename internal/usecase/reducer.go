package usecase

import (
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"chatlink/internal/domain"
)

// AbortMarker is appended to the accumulated content when a run is
// aborted by the server.
const AbortMarker = "\n\n[aborted]"

const fallbackErrorText = "The assistant run failed with an unknown error."

// StreamReducer folds the ordered chat-event feed for one run into a
// single evolving assistant message. Content from delta events is
// strictly appended, never replaced, so a fragmented generation is
// never lost. A final event missing its own content falls back to the
// accumulated buffer.
//
// The reducer is not safe for concurrent use; the session serializes
// every Apply call on its run loop.
type StreamReducer struct {
	buf        strings.Builder
	runID      string
	lastSeq    int64
	generating bool
	entropy    *ulid.MonotonicEntropy
}

// NewStreamReducer creates an idle reducer.
func NewStreamReducer() *StreamReducer {
	return &StreamReducer{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Generating reports whether a run is currently open.
func (r *StreamReducer) Generating() bool { return r.generating }

// RunID returns the id of the open run, or "" when idle.
func (r *StreamReducer) RunID() string { return r.runID }

// Begin marks the start of a locally initiated generation: the buffer
// is cleared and the generating flag raised before any event arrives.
func (r *StreamReducer) Begin() {
	r.buf.Reset()
	r.runID = ""
	r.lastSeq = 0
	r.generating = true
}

// AdoptRun records the run id announced by the chat.send ack, so an
// abort issued before the first delta can still reference the run.
func (r *StreamReducer) AdoptRun(id string) {
	if r.generating && r.runID == "" {
		r.runID = id
	}
}

// Reset clears all per-run state.
func (r *StreamReducer) Reset() {
	r.buf.Reset()
	r.runID = ""
	r.lastSeq = 0
	r.generating = false
}

// Apply folds one chat event into the message list and returns the
// updated list. The input slice may be mutated in place.
func (r *StreamReducer) Apply(msgs []domain.Message, ev domain.ChatEvent) []domain.Message {
	if r.stale(ev) {
		return msgs
	}
	switch ev.State {
	case domain.StreamDelta:
		return r.applyDelta(msgs, ev)
	case domain.StreamFinal:
		return r.applyFinal(msgs, ev)
	case domain.StreamError:
		return r.applyError(msgs, ev)
	case domain.StreamAborted:
		return r.applyAborted(msgs, ev)
	default:
		return msgs
	}
}

// stale drops duplicates and reorders within the open run when the
// server supplies sequence numbers. Seq 0 means the server does not
// number its events and arrival order is trusted.
func (r *StreamReducer) stale(ev domain.ChatEvent) bool {
	if ev.Seq == 0 || ev.RunID == "" || ev.RunID != r.runID {
		return false
	}
	if ev.Seq <= r.lastSeq {
		return true
	}
	r.lastSeq = ev.Seq
	return false
}

func (r *StreamReducer) applyDelta(msgs []domain.Message, ev domain.ChatEvent) []domain.Message {
	r.runID = ev.RunID
	r.generating = true
	if ev.Seq > 0 {
		r.lastSeq = ev.Seq
	}
	if ev.Message == nil || ev.Message.Content == "" {
		return msgs
	}
	r.buf.WriteString(ev.Message.Content)

	if i := streamingIndex(msgs); i >= 0 {
		msgs[i].Content = r.buf.String()
		return msgs
	}
	return append(msgs, domain.Message{
		ID:        r.newID(),
		Role:      domain.RoleAssistant,
		Content:   r.buf.String(),
		Timestamp: time.Now(),
		Streaming: true,
	})
}

func (r *StreamReducer) applyFinal(msgs []domain.Message, ev domain.ChatEvent) []domain.Message {
	defer r.Reset()
	i := streamingIndex(msgs)
	if i < 0 {
		// Nothing to finalize.
		return msgs
	}
	content := r.buf.String()
	if ev.Message != nil && ev.Message.Content != "" {
		content = ev.Message.Content
	}
	msgs[i].Content = content
	msgs[i].Streaming = false
	msgs[i].Usage = ev.Usage
	msgs[i].StopReason = ev.StopReason
	return msgs
}

func (r *StreamReducer) applyError(msgs []domain.Message, ev domain.ChatEvent) []domain.Message {
	defer r.Reset()
	text := ev.ErrorMsg
	if text == "" {
		text = fallbackErrorText
	}
	if i := streamingIndex(msgs); i >= 0 {
		msgs[i].Content = text
		msgs[i].Streaming = false
		return msgs
	}
	// The error arrived before any delta: surface it as a standalone
	// system message instead of touching existing history.
	return append(msgs, domain.Message{
		ID:        r.newID(),
		Role:      domain.RoleSystem,
		Content:   text,
		Timestamp: time.Now(),
	})
}

func (r *StreamReducer) applyAborted(msgs []domain.Message, ev domain.ChatEvent) []domain.Message {
	defer r.Reset()
	i := streamingIndex(msgs)
	if i < 0 {
		return msgs
	}
	msgs[i].Content = r.buf.String() + AbortMarker
	msgs[i].Streaming = false
	msgs[i].StopReason = ev.StopReason
	return msgs
}

func (r *StreamReducer) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// streamingIndex returns the index of the open streaming message, or -1.
func streamingIndex(msgs []domain.Message) int {
	for i := range msgs {
		if msgs[i].Streaming {
			return i
		}
	}
	return -1
}
