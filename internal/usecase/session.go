package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"chatlink/internal/adapter/gateway"
	"chatlink/internal/domain"
	"chatlink/internal/infra/tracer"
)

// Conn is the gateway surface the session depends on.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	Request(method string, params any, done gateway.ResponseFunc) error
	State() domain.ConnectionState
	HandleEvent(event string, fn gateway.EventFunc)
	SetStateHandler(fn func(domain.ConnectionState))
	SetConnectedHandler(fn func())
}

// SessionOptions configures a session.
type SessionOptions struct {
	SessionKey   string
	HistoryLimit int
}

const defaultHistoryLimit = 50

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// Session is the public surface of the engine: connect, disconnect,
// send and abort, plus read access to the message list, connection
// state and generating flag. All mutation of shared state is funneled
// through a single run-loop goroutine, so no two transitions ever race
// even if the transport grows more reader goroutines.
type Session struct {
	conn    Conn
	bus     domain.EventBus
	logger  *slog.Logger
	opts    SessionOptions
	reducer *StreamReducer

	mu      sync.RWMutex
	msgs    []domain.Message
	entropy *ulid.MonotonicEntropy

	ops  chan func()
	done chan struct{}
}

// NewSession wires a session to its gateway connection and event bus
// and starts the run loop.
func NewSession(conn Conn, bus domain.EventBus, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	s := &Session{
		conn:    conn,
		bus:     bus,
		logger:  logger,
		opts:    opts,
		reducer: NewStreamReducer(),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}
	conn.HandleEvent("chat", s.onChatEvent)
	conn.SetStateHandler(s.onConnectionState)
	conn.SetConnectedHandler(s.replayHistory)
	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// post runs fn on the run loop and waits for it to finish.
func (s *Session) post(fn func()) {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(finished) }:
		<-finished
	case <-s.done:
	}
}

// Close stops the run loop. The session must not be used afterwards.
func (s *Session) Close() {
	close(s.done)
}

// Connect opens the gateway connection and performs the handshake.
// History replay is triggered automatically once the handshake
// succeeds.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "session.connect",
		tracer.StringAttr("session_key", s.opts.SessionKey))
	defer span.End()

	if err := s.conn.Connect(ctx); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("session connect", err)
	}
	tracer.SetOK(span)
	return nil
}

// Disconnect closes the connection and clears the in-memory message
// list.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
	s.post(func() {
		s.mu.Lock()
		s.msgs = nil
		s.reducer.Reset()
		s.mu.Unlock()
		s.publish(domain.EventMessagesUpdated, nil)
	})
}

// Send submits one user message. Empty input and input sent while a
// generation is in progress are rejected without any outbound request
// or local message.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ErrEmptyMessage
	}
	if s.conn.State().Status != domain.StatusConnected {
		return domain.ErrNotConnected
	}

	_, span := tracer.StartSpan(ctx, "session.send")
	defer span.End()

	var sendErr error
	s.post(func() {
		if s.reducer.Generating() {
			sendErr = domain.ErrBusy
			return
		}
		s.mu.Lock()
		s.msgs = append(s.msgs, domain.Message{
			ID:        s.newID(),
			Role:      domain.RoleUser,
			Content:   text,
			Timestamp: time.Now(),
		})
		s.mu.Unlock()
		s.reducer.Begin()

		params := chatSendParams{
			SessionKey:     s.opts.SessionKey,
			Message:        text,
			IdempotencyKey: uuid.NewString(),
		}
		if err := s.conn.Request("chat.send", params, s.sendDone); err != nil {
			s.reducer.Reset()
			sendErr = err
			return
		}
		s.publish(domain.EventMessagesUpdated, nil)
	})
	if sendErr != nil {
		tracer.RecordError(span, sendErr)
		return sendErr
	}
	tracer.SetOK(span)
	return nil
}

// sendDone handles the gateway's ack for chat.send. A failed or timed
// out send ends the run locally; a successful ack only records the
// run id so an abort can reference it before the first delta arrives.
func (s *Session) sendDone(frame gateway.Frame, err error) {
	s.post(func() {
		if !s.reducer.Generating() {
			return
		}
		if err == nil && frame.OK {
			var body struct {
				RunID string `json:"runId"`
			}
			if json.Unmarshal(frame.Payload, &body) == nil && body.RunID != "" {
				s.reducer.AdoptRun(body.RunID)
			}
			return
		}

		if s.reducer.RunID() != "" {
			// Deltas are already flowing; a lost or late ack must not
			// kill a live run. The event path finalizes it.
			s.logger.Warn("chat.send ack missing for live run", "run_id", s.reducer.RunID())
			return
		}

		text := "message could not be delivered"
		if err != nil {
			text = err.Error()
		} else if len(frame.Payload) > 0 {
			var body struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(frame.Payload, &body) == nil && body.Message != "" {
				text = body.Message
			}
		}
		s.logger.Warn("chat.send failed", "error", text)
		s.mu.Lock()
		s.msgs = s.reducer.Apply(s.msgs, domain.ChatEvent{
			State:    domain.StreamError,
			ErrorMsg: text,
		})
		s.mu.Unlock()
		s.publish(domain.EventMessagesUpdated, nil)
		s.publish(domain.EventStreamError, nil)
	})
}

// Abort asks the gateway to cancel the current run. The streaming
// message is not frozen locally; it is finalized when the server's
// aborted event arrives, which protects against trailing deltas.
func (s *Session) Abort(ctx context.Context) error {
	_, span := tracer.StartSpan(ctx, "session.abort")
	defer span.End()

	var abortErr error
	s.post(func() {
		if !s.reducer.Generating() {
			return
		}
		params := chatAbortParams{
			SessionKey: s.opts.SessionKey,
			RunID:      s.reducer.RunID(),
		}
		// The response is informational; completion arrives as an
		// aborted event on the normal event path.
		abortErr = s.conn.Request("chat.abort", params, func(gateway.Frame, error) {})
	})
	if abortErr != nil {
		tracer.RecordError(span, abortErr)
		return domain.WrapOp("session abort", abortErr)
	}
	tracer.SetOK(span)
	return nil
}

// Messages returns a copy of the current message list.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	return s.conn.State()
}

// Generating reports whether an assistant run is in progress.
func (s *Session) Generating() bool {
	var g bool
	s.post(func() { g = s.reducer.Generating() })
	return g
}

// onChatEvent is the router handler for "chat" events.
func (s *Session) onChatEvent(payload json.RawMessage) {
	var ev domain.ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Debug("discarding malformed chat event", "error", err)
		return
	}
	if ev.SessionKey != "" && ev.SessionKey != s.opts.SessionKey {
		return
	}
	s.post(func() {
		wasGenerating := s.reducer.Generating()
		s.mu.Lock()
		s.msgs = s.reducer.Apply(s.msgs, ev)
		s.mu.Unlock()

		s.publish(domain.EventMessagesUpdated, nil)
		switch ev.State {
		case domain.StreamDelta:
			if !wasGenerating {
				s.publish(domain.EventStreamStarted, payload)
			}
		case domain.StreamFinal:
			s.publish(domain.EventStreamCompleted, payload)
		case domain.StreamAborted:
			s.publish(domain.EventStreamAborted, payload)
		case domain.StreamError:
			s.publish(domain.EventStreamError, payload)
		}
	})
}

// onConnectionState abandons any open run when the connection leaves
// the connected state, then republishes the transition on the bus. The
// run is bounded by the connection that carries it: without this a
// dropped transport would leave the generating flag raised forever and
// every later Send would be rejected as busy.
func (s *Session) onConnectionState(state domain.ConnectionState) {
	if state.Status != domain.StatusConnected {
		s.post(func() {
			if !s.reducer.Generating() {
				return
			}
			s.logger.Warn("abandoning run on connection loss",
				"run_id", s.reducer.RunID(), "status", string(state.Status))
			s.mu.Lock()
			s.msgs = s.reducer.Apply(s.msgs, domain.ChatEvent{
				State:    domain.StreamError,
				ErrorMsg: "connection lost during generation",
			})
			s.mu.Unlock()
			s.publish(domain.EventMessagesUpdated, nil)
			s.publish(domain.EventStreamError, nil)
		})
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.publish(domain.EventConnectionState, raw)
}

// replayHistory fetches prior turns for the session key and replaces
// the message list wholesale. Runs after every successful handshake.
func (s *Session) replayHistory() {
	params := chatHistoryParams{
		SessionKey: s.opts.SessionKey,
		Limit:      s.opts.HistoryLimit,
	}
	err := s.conn.Request("chat.history", params, func(frame gateway.Frame, err error) {
		if err != nil {
			s.logger.Warn("history replay failed", "error", err)
			return
		}
		if !frame.OK {
			s.logger.Warn("history replay rejected by gateway")
			return
		}
		var body struct {
			Messages []domain.HistoryTurn `json:"messages"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			s.logger.Warn("history replay payload malformed", "error", err)
			return
		}
		s.post(func() {
			now := time.Now()
			replaced := make([]domain.Message, 0, len(body.Messages))
			for _, turn := range body.Messages {
				ts := now
				if turn.Timestamp > 0 {
					ts = time.UnixMilli(turn.Timestamp)
				}
				replaced = append(replaced, domain.Message{
					ID:        s.newID(),
					Role:      turn.Role,
					Content:   turn.Content,
					Timestamp: ts,
				})
			}
			s.mu.Lock()
			s.msgs = replaced
			s.mu.Unlock()
			s.publish(domain.EventHistoryReplayed, nil)
			s.publish(domain.EventMessagesUpdated, nil)
		})
	})
	if err != nil {
		s.logger.Warn("history replay request failed", "error", err)
	}
}

func (s *Session) publish(t domain.EventType, payload json.RawMessage) {
	s.bus.Publish(context.Background(), domain.Event{
		Type:       t,
		Timestamp:  time.Now(),
		SessionKey: s.opts.SessionKey,
		Payload:    payload,
	})
}

func (s *Session) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
