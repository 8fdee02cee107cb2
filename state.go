package ptc

// ConnState represents the current state of a connection.
type ConnState int

const (
	// StateClosed is both the initial and the final state
	StateClosed ConnState = iota
	// StateListen waits for a SYN
	StateListen
	// StateSynSent indicates SYN sent, waiting for SYN+ACK
	StateSynSent
	// StateSynRcvd indicates SYN received and SYN+ACK sent, waiting for ACK
	StateSynRcvd
	// StateEstablished indicates data may flow both ways
	StateEstablished
	// StateFinWait1 indicates our FIN is sent but not yet acknowledged
	StateFinWait1
	// StateFinWait2 indicates our FIN is acknowledged, waiting for the peer's FIN
	StateFinWait2
	// StateCloseWait indicates the peer's FIN arrived, waiting for a local close
	StateCloseWait
	// StateLastAck indicates our FIN follows the peer's, waiting for its ACK
	StateLastAck
	// StateClosing indicates both FINs crossed, waiting for the ACK of ours
	StateClosing
)

// String returns a human-readable representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// synchronized reports whether both sides' sequence numbers are known.
func (s ConnState) synchronized() bool {
	return s >= StateEstablished
}

// canSend reports whether new data may be queued in this state.
func (s ConnState) canSend() bool {
	return s == StateEstablished || s == StateCloseWait
}
