package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatlink/internal/domain"
)

// Protocol version spoken by this client. Min and max are the same
// until a second protocol revision exists.
const protocolVersion = 1

const (
	defaultRequestTimeout = 30 * time.Second
	writeTimeout          = 5 * time.Second
	sweepInterval         = time.Second
)

// Options configures a gateway client.
type Options struct {
	Endpoint       string
	Token          string
	ClientID       string
	ClientVersion  string
	Mode           string
	Role           string
	Scopes         []string
	Locale         string
	RequestTimeout time.Duration
	// Outbound request rate limit. Zero values disable limiting.
	RequestsPerSec float64
	RequestBurst   int
}

type clientDescriptor struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      clientDescriptor `json:"client"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        struct {
		Token string `json:"token"`
	} `json:"auth"`
	Locale string `json:"locale"`
}

// Client owns the single WebSocket transport to the gateway: it drives
// the handshake, tracks request/response correlation and routes event
// frames. It never reconnects on its own; reconnection policy belongs
// to the caller.
type Client struct {
	opts       Options
	logger     *slog.Logger
	correlator *Correlator
	router     *Router
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*websocket.Conn]

	mu        sync.Mutex
	ws        *websocket.Conn
	state     domain.ConnectionState
	closing   bool
	sweepStop chan struct{}

	onState     func(domain.ConnectionState)
	onConnected func()
}

// NewClient creates a client for the given gateway endpoint. The
// client starts disconnected; call Connect to open the transport.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		burst := opts.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	cb := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Client{
		opts:       opts,
		logger:     logger,
		correlator: NewCorrelator(),
		router:     NewRouter(),
		limiter:    limiter,
		breaker:    cb,
		state:      domain.ConnectionState{Status: domain.StatusDisconnected},
	}
}

// HandleEvent registers the handler for a named gateway event.
func (c *Client) HandleEvent(event string, fn EventFunc) {
	c.router.Handle(event, fn)
}

// SetStateHandler registers a callback invoked on every connection
// state transition. Must be set before Connect.
func (c *Client) SetStateHandler(fn func(domain.ConnectionState)) { c.onState = fn }

// SetConnectedHandler registers a callback invoked once the handshake
// succeeds. Must be set before Connect.
func (c *Client) SetConnectedHandler(fn func()) { c.onConnected = fn }

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect tears down any existing transport, dials the gateway and
// sends the handshake request. It returns once the transport is open;
// handshake completion is reported through the state handler. Repeated
// dial failures trip the circuit breaker and fail fast until it
// half-opens.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status == domain.StatusConnecting {
		c.mu.Unlock()
		return domain.ErrAlreadyConnecting
	}
	c.teardownLocked(websocket.StatusNormalClosure, "reconnecting")
	// The transition to connecting must happen under the same lock as
	// the guard above, or two racing Connect calls both pass it.
	c.state = domain.ConnectionState{Status: domain.StatusConnecting}
	c.mu.Unlock()
	c.correlator.FailAll(domain.ErrConnectionClosed)
	if c.onState != nil {
		c.onState(domain.ConnectionState{Status: domain.StatusConnecting})
	}

	ws, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		conn, _, dialErr := websocket.Dial(ctx, c.opts.Endpoint, nil)
		return conn, dialErr
	})
	if err != nil {
		c.setState(domain.ConnectionState{Status: domain.StatusError, Err: "gateway unreachable"})
		return domain.WrapOp("gateway dial", err)
	}

	sweepStop := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.closing = false
	c.sweepStop = sweepStop
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.sweepLoop(sweepStop)

	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: clientDescriptor{
			ID:       c.opts.ClientID,
			Version:  c.opts.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     c.opts.Mode,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Locale: c.opts.Locale,
	}
	params.Auth.Token = c.opts.Token

	if err := c.Request("connect", params, c.handshakeDone); err != nil {
		c.setState(domain.ConnectionState{Status: domain.StatusError, Err: "handshake send failed"})
		c.closeTransport(websocket.StatusNormalClosure, "handshake send failed")
		return err
	}
	return nil
}

func (c *Client) handshakeDone(frame Frame, err error) {
	if err != nil {
		if c.State().Status == domain.StatusConnecting {
			// A timed-out handshake leaves the websocket open; drop it
			// so the read loop stops dispatching on a failed connection.
			c.closeTransport(websocket.StatusNormalClosure, "handshake failed")
			c.setState(domain.ConnectionState{Status: domain.StatusError, Err: err.Error()})
		}
		return
	}
	if !frame.OK {
		reason := "handshake rejected"
		var body struct {
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(frame.Payload, &body); jsonErr == nil && body.Message != "" {
			reason = body.Message
		}
		c.logger.Warn("gateway rejected handshake", "reason", reason)
		c.setState(domain.ConnectionState{Status: domain.StatusError, Err: reason})
		c.closeTransport(websocket.StatusNormalClosure, "handshake rejected")
		return
	}
	c.logger.Info("gateway handshake complete", "endpoint", c.opts.Endpoint)
	c.setState(domain.ConnectionState{Status: domain.StatusConnected})
	if c.onConnected != nil {
		c.onConnected()
	}
}

// Disconnect closes the transport. Pending requests are abandoned and
// the state is reset to disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked(websocket.StatusNormalClosure, "client disconnect")
	c.mu.Unlock()
	c.correlator.FailAll(domain.ErrConnectionClosed)
	c.setState(domain.ConnectionState{Status: domain.StatusDisconnected})
}

// teardownLocked releases the current transport, if any. Callers hold c.mu.
func (c *Client) teardownLocked(code websocket.StatusCode, reason string) {
	if c.ws == nil {
		return
	}
	c.closing = true
	c.ws.Close(code, reason)
	c.ws = nil
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
}

func (c *Client) closeTransport(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.teardownLocked(code, reason)
	c.mu.Unlock()
}

// Request sends a request frame and tracks it until the matching
// response arrives, its deadline passes, or the connection closes.
// done fires exactly once.
func (c *Client) Request(method string, params any, done ResponseFunc) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return fmt.Errorf("%s: %w", method, domain.ErrRateLimited)
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("%s: %w", method, domain.ErrNotConnected)
	}

	id := c.correlator.NextID()
	frame, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}
	c.correlator.Track(id, method, time.Now().Add(c.opts.RequestTimeout), done)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		c.correlator.Drop(id)
		return domain.WrapOp(method, err)
	}
	c.logger.Debug("request sent", "method", method, "id", id)
	return nil
}

// readLoop consumes inbound frames until the transport closes.
// Malformed frames are discarded; the gateway is trusted to be
// self-correcting and the caller is not notified.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			c.handleClosed(ws, err)
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Debug("discarding malformed frame", "error", err)
			continue
		}
		switch frame.Type {
		case FrameResponse:
			c.correlator.Resolve(frame)
		case FrameEvent:
			c.router.Dispatch(frame)
		default:
			// Server-initiated requests are not part of the protocol.
		}
	}
}

func (c *Client) handleClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != nil && c.ws != ws {
		// A newer transport superseded this one; its read loop owns
		// the state now.
		c.mu.Unlock()
		return
	}
	closing := c.closing
	current := c.state.Status
	c.ws = nil
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
	c.mu.Unlock()

	c.correlator.FailAll(domain.ErrConnectionClosed)

	if closing || current == domain.StatusError {
		// The initiator of the close already recorded the outcome:
		// Disconnect set disconnected, a rejected handshake set error.
		return
	}

	code := websocket.CloseStatus(err)
	switch {
	case code == websocket.StatusNormalClosure:
		c.setState(domain.ConnectionState{Status: domain.StatusDisconnected})
	case code != -1:
		c.logger.Warn("gateway closed connection", "code", int(code))
		c.setState(domain.ConnectionState{
			Status: domain.StatusDisconnected,
			Err:    fmt.Sprintf("connection closed: code %d", code),
		})
	default:
		c.logger.Warn("gateway connection error", "error", err)
		c.setState(domain.ConnectionState{Status: domain.StatusError, Err: "connection error"})
	}
}

// sweepLoop expires overdue pending requests so no response wait is
// unbounded.
func (c *Client) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.correlator.ExpireOverdue(now)
		}
	}
}

func (c *Client) setState(state domain.ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(state)
	}
}
