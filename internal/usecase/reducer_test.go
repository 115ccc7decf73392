package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/domain"
)

func delta(runID, content string, seq int64) domain.ChatEvent {
	return domain.ChatEvent{
		RunID:   runID,
		Seq:     seq,
		State:   domain.StreamDelta,
		Message: &domain.EventMessage{Content: content},
	}
}

func countStreaming(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Streaming {
			n++
		}
	}
	return n
}

func TestDeltasConcatenateInArrivalOrder(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "Hel", 0))
	msgs = r.Apply(msgs, delta("run-1", "lo", 0))
	msgs = r.Apply(msgs, delta("run-1", ", world", 0))

	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello, world", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)
	assert.True(t, msgs[0].Streaming)
	assert.True(t, r.Generating())
	assert.Equal(t, "run-1", r.RunID())
}

func TestAtMostOneStreamingMessage(t *testing.T) {
	r := NewStreamReducer()
	msgs := []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Content: "hi"},
	}

	msgs = r.Apply(msgs, delta("run-1", "a", 0))
	msgs = r.Apply(msgs, delta("run-1", "b", 0))
	assert.Equal(t, 1, countStreaming(msgs))

	msgs = r.Apply(msgs, domain.ChatEvent{RunID: "run-1", State: domain.StreamFinal})
	assert.Equal(t, 0, countStreaming(msgs))

	msgs = r.Apply(msgs, delta("run-2", "c", 0))
	assert.Equal(t, 1, countStreaming(msgs))
}

func TestFinalWithEmptyPayloadFallsBackToBuffer(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "Hel", 0))
	msgs = r.Apply(msgs, delta("run-1", "lo", 0))
	msgs = r.Apply(msgs, domain.ChatEvent{RunID: "run-1", State: domain.StreamFinal})

	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
	assert.False(t, r.Generating())
}

func TestFinalContentOverridesBuffer(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "partial", 0))
	msgs = r.Apply(msgs, domain.ChatEvent{
		RunID:      "run-1",
		State:      domain.StreamFinal,
		Message:    &domain.EventMessage{Content: "complete answer"},
		Usage:      &domain.Usage{TotalTokens: 42},
		StopReason: "stop",
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, "complete answer", msgs[0].Content)
	assert.Equal(t, "stop", msgs[0].StopReason)
	require.NotNil(t, msgs[0].Usage)
	assert.Equal(t, 42, msgs[0].Usage.TotalTokens)
}

func TestErrorWithoutDeltasAppendsSystemMessage(t *testing.T) {
	r := NewStreamReducer()
	msgs := []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Content: "hi"},
	}

	msgs = r.Apply(msgs, domain.ChatEvent{
		RunID:    "run-1",
		State:    domain.StreamError,
		ErrorMsg: "model unavailable",
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content) // existing message untouched
	assert.Equal(t, domain.RoleSystem, msgs[1].Role)
	assert.Equal(t, "model unavailable", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.False(t, r.Generating())
}

func TestErrorDuringStreamReplacesContent(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "half an ans", 0))
	msgs = r.Apply(msgs, domain.ChatEvent{
		RunID:    "run-1",
		State:    domain.StreamError,
		ErrorMsg: "upstream timeout",
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, "upstream timeout", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
}

func TestAbortAppendsMarker(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "Thinking...", 0))
	msgs = r.Apply(msgs, domain.ChatEvent{RunID: "run-1", State: domain.StreamAborted})

	require.Len(t, msgs, 1)
	assert.Equal(t, "Thinking...\n\n[aborted]", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
	assert.False(t, r.Generating())
}

func TestEmptyDeltaIsNoop(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, domain.ChatEvent{RunID: "run-1", State: domain.StreamDelta})
	assert.Empty(t, msgs)
	// The run is still remembered as open.
	assert.Equal(t, "run-1", r.RunID())

	msgs = r.Apply(msgs, delta("run-1", "text", 0))
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].Content)
}

func TestTerminalWithoutOpenStreamIsNoop(t *testing.T) {
	r := NewStreamReducer()
	msgs := []domain.Message{
		{ID: "a1", Role: domain.RoleAssistant, Content: "done earlier"},
	}

	out := r.Apply(msgs, domain.ChatEvent{RunID: "run-9", State: domain.StreamFinal})
	assert.Equal(t, msgs, out)

	out = r.Apply(msgs, domain.ChatEvent{RunID: "run-9", State: domain.StreamAborted})
	assert.Equal(t, msgs, out)
}

func TestDuplicateSeqDropped(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "a", 1))
	msgs = r.Apply(msgs, delta("run-1", "a", 1)) // duplicate delivery
	msgs = r.Apply(msgs, delta("run-1", "b", 2))
	msgs = r.Apply(msgs, delta("run-1", "stale", 2)) // reorder

	require.Len(t, msgs, 1)
	assert.Equal(t, "ab", msgs[0].Content)
}

func TestBeginClearsPreviousBuffer(t *testing.T) {
	r := NewStreamReducer()
	var msgs []domain.Message

	msgs = r.Apply(msgs, delta("run-1", "old", 0))
	msgs = r.Apply(msgs, domain.ChatEvent{RunID: "run-1", State: domain.StreamFinal})

	r.Begin()
	assert.True(t, r.Generating())
	msgs = r.Apply(msgs, delta("run-2", "new", 0))

	require.Len(t, msgs, 2)
	assert.Equal(t, "new", msgs[1].Content)
}
