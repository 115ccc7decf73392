package domain

import "fmt"

// Sentinel errors for the client engine.
var (
	ErrNotConnected      = fmt.Errorf("not connected to gateway")
	ErrAlreadyConnecting = fmt.Errorf("connect already in progress")
	ErrConnectionClosed  = fmt.Errorf("connection closed")
	ErrHandshakeRejected = fmt.Errorf("gateway rejected handshake")
	ErrRequestTimeout    = fmt.Errorf("request timed out")
	ErrRateLimited       = fmt.Errorf("outbound request rate limit exceeded")
	ErrInvalidFrame      = fmt.Errorf("invalid frame")
	ErrBusy              = fmt.Errorf("a generation is already in progress")
	ErrEmptyMessage      = fmt.Errorf("message is empty")
)

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
