package ptc

import "errors"

// Protocol errors returned by Socket operations, wrapped in a *ProtocolError.
var (
	ErrNotBound          = errors.New("socket not bound")
	ErrAlreadyBound      = errors.New("socket already bound")
	ErrNotConnected      = errors.New("socket not connected")
	ErrAlreadyConnected  = errors.New("socket already connected")
	ErrWriteStreamClosed = errors.New("write stream closed")
	ErrInvalidMode       = errors.New("invalid mode")
)

// ErrConnectionAborted is reported to every blocked or later caller once a
// connection is torn down after exhausting its retransmission attempts.
var ErrConnectionAborted = errors.New("connection aborted")

// ErrTimeout is returned when a Connect, Accept, Close or deadline-bounded
// Recv/Send runs out of time. It implements net.Error.
var ErrTimeout error = &timeoutError{}

var (
	// ErrTimerRunning is returned by RetransmissionTimer.Start on a running timer.
	ErrTimerRunning = errors.New("timer already running")
	// ErrQueueEmpty is returned by RetransmissionQueue.Head on an empty queue.
	ErrQueueEmpty = errors.New("retransmission queue empty")
	// ErrReceiveTimeout is returned by Transport.Receive when no frame arrives in time.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// ProtocolError reports a socket operation attempted in the wrong state.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// timeoutError implements net.Error interface for timeout errors.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
