package ptc

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownMode selects which direction Shutdown closes.
type ShutdownMode int

const (
	// ShutRead stops accepting incoming data
	ShutRead ShutdownMode = iota
	// ShutWrite sends FIN once queued data is delivered
	ShutWrite
	// ShutBoth closes both directions
	ShutBoth
)

// CloseMode selects how CloseWith ends a connection.
type CloseMode int

const (
	// CloseWait returns once both sides' FINs are exchanged
	CloseWait CloseMode = iota
	// CloseNoWait returns once our FIN is acknowledged
	CloseNoWait
	// CloseAbort tears the connection down at once, discarding buffered data
	CloseAbort
)

// Addr implements the net.Addr interface for protocol endpoints.
type Addr struct {
	netip.AddrPort
}

// Network returns the network type ("ptc").
func (a Addr) Network() string { return "ptc" }

// Socket is one endpoint of a connection. A socket carries at most one
// connection: it is bound, then either listens and accepts once or
// connects once.
//
// Socket implements net.Conn once connected.
type Socket struct {
	mu      sync.Mutex
	network Network
	cfg     Config

	local netip.AddrPort
	bound bool

	conn   *conn
	closed bool

	// passive is set while conn was opened by Listen; accepted once an
	// Accept has claimed it.
	passive  bool
	accepted bool

	readDeadline  time.Time
	writeDeadline time.Time
}

// NewSocket creates an unbound socket sending over network.
func NewSocket(network Network, cfg Config) (*Socket, error) {
	if network == nil {
		return nil, fmt.Errorf("network is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Socket{network: network, cfg: cfg}, nil
}

// Bind assigns the local address. A zero port picks a random port in
// [1000, 60000] and an invalid address becomes 0.0.0.0.
func (s *Socket) Bind(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindLocked(addr)
}

// bindLocked binds the socket. Must be called with s.mu held.
func (s *Socket) bindLocked(addr netip.AddrPort) error {
	if s.bound {
		return protocolError("bind", ErrAlreadyBound)
	}

	ip := addr.Addr()
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	port := addr.Port()
	if port == 0 {
		p, err := randomPort()
		if err != nil {
			return err
		}
		port = p
	}

	s.local = netip.AddrPortFrom(ip, port)
	s.bound = true
	log.Debug().Str("local", s.local.String()).Msg("socket bound")
	return nil
}

// ensureBoundLocked binds an unbound socket to a random port if AutoBind is
// enabled. Must be called with s.mu held.
func (s *Socket) ensureBoundLocked(op string) error {
	if s.bound {
		return nil
	}
	if !s.cfg.AutoBind {
		return protocolError(op, ErrNotBound)
	}
	return s.bindLocked(netip.AddrPort{})
}

// openConnLocked creates the connection of this socket.
// Must be called with s.mu held.
func (s *Socket) openConnLocked(op string) (*conn, error) {
	if s.closed {
		return nil, net.ErrClosed
	}
	if s.conn != nil {
		return nil, protocolError(op, ErrAlreadyConnected)
	}
	if err := s.ensureBoundLocked(op); err != nil {
		return nil, err
	}

	transport, err := s.network.Open(s.local.Addr())
	if err != nil {
		return nil, fmt.Errorf("%s: open transport: %w", op, err)
	}
	c, err := newConn(s.cfg, transport, s.local)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.conn = c
	return c, nil
}

// Listen prepares the socket to accept one incoming connection.
func (s *Socket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

// listenLocked creates a listening connection. Must be called with s.mu held.
func (s *Socket) listenLocked() error {
	c, err := s.openConnLocked("listen")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listenLocked()
	c.mu.Unlock()
	s.passive = true
	c.start()
	return nil
}

// Accept waits for a peer to complete the handshake with a listening
// socket, listening first if needed. The handshake may already have
// completed since Listen, in which case Accept returns at once. A zero
// timeout waits indefinitely; on timeout the attempt is abandoned and
// ErrTimeout returned.
func (s *Socket) Accept(timeout time.Duration) error {
	s.mu.Lock()
	if s.conn == nil {
		if err := s.listenLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if !s.passive || s.accepted {
		s.mu.Unlock()
		return protocolError("accept", ErrAlreadyConnected)
	}
	s.accepted = true
	c := s.conn
	s.mu.Unlock()

	return s.awaitEstablished(c, timeout)
}

// Connect opens a connection to addr. A zero timeout waits indefinitely;
// on timeout the attempt is abandoned and ErrTimeout returned.
func (s *Socket) Connect(addr netip.AddrPort, timeout time.Duration) error {
	s.mu.Lock()
	c, err := s.openConnLocked("connect")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	c.mu.Lock()
	err = c.connectLocked(addr)
	c.mu.Unlock()
	c.start()
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("SYN not sent - relying on retransmission")
	}
	return s.awaitEstablished(c, timeout)
}

// awaitEstablished waits for the handshake. A timed-out or failed attempt
// is torn down and detached so the socket may try again.
func (s *Socket) awaitEstablished(c *conn, timeout time.Duration) error {
	err := c.waitFor(c.established, timeout)
	if err == nil {
		return nil
	}

	c.abort(err)
	c.wait()
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.passive = false
		s.accepted = false
	}
	s.mu.Unlock()
	return err
}

// connected returns the connection, or ErrNotConnected for op.
func (s *Socket) connected(op string) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if s.closed {
			return nil, net.ErrClosed
		}
		return nil, protocolError(op, ErrNotConnected)
	}
	return s.conn, nil
}

// Send queues p for delivery and returns once all of it is buffered,
// blocking while the send buffer is full.
func (s *Socket) Send(p []byte) (int, error) {
	c, err := s.connected("send")
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	deadline := s.writeDeadline
	s.mu.Unlock()
	return c.write(p, deadline)
}

// Recv returns up to size bytes, blocking until some arrive. It returns
// io.EOF once the peer has closed its side and all data was read.
func (s *Socket) Recv(size int) ([]byte, error) {
	c, err := s.connected("recv")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	deadline := s.readDeadline
	s.mu.Unlock()
	return c.read(size, deadline)
}

// Shutdown closes one or both directions of the connection.
func (s *Socket) Shutdown(how ShutdownMode) error {
	if how < ShutRead || how > ShutBoth {
		return protocolError("shutdown", ErrInvalidMode)
	}
	c, err := s.connected("shutdown")
	if err != nil {
		return err
	}
	return c.shutdown(how)
}

// Close closes the connection gracefully, waiting for both FINs.
// It is equivalent to CloseWith(CloseWait).
func (s *Socket) Close() error {
	return s.CloseWith(CloseWait)
}

// CloseWith ends the connection in the given mode. Closing a closed socket
// is a no-op. A CloseTimeout, when configured, bounds the waiting modes;
// when it passes the connection is aborted and ErrTimeout returned.
func (s *Socket) CloseWith(mode CloseMode) error {
	if mode < CloseWait || mode > CloseAbort {
		return protocolError("close", ErrInvalidMode)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	c.mu.Lock()
	synchronized := c.cb != nil && (c.state.synchronized() || c.state == StateSynRcvd)
	c.mu.Unlock()

	if mode == CloseAbort || !synchronized {
		c.abort(net.ErrClosed)
		c.wait()
		return nil
	}

	if err := c.shutdown(ShutWrite); err != nil {
		if c.isTornDown() {
			c.wait()
			return nil
		}
		return err
	}

	waitOn := c.done
	if mode == CloseNoWait {
		waitOn = c.finAcked
	}
	err := c.waitFor(waitOn, s.cfg.CloseTimeout)
	switch {
	case errors.Is(err, ErrTimeout):
		c.abort(ErrTimeout)
		c.wait()
		return ErrTimeout
	case err != nil && !errors.Is(err, net.ErrClosed):
		c.wait()
		return err
	}
	if mode == CloseWait {
		c.wait()
	}
	return nil
}

// State returns the connection state, CLOSED if there is none.
func (s *Socket) State() ConnState {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return StateClosed
	}
	return c.State()
}

// Read implements io.Reader and net.Conn.
func (s *Socket) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	data, err := s.Recv(len(buf))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// Write implements io.Writer and net.Conn.
func (s *Socket) Write(data []byte) (int, error) {
	return s.Send(data)
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	c := s.conn
	local := s.local
	s.mu.Unlock()
	if c != nil {
		c.mu.Lock()
		local = c.local
		c.mu.Unlock()
	}
	return Addr{local}
}

// RemoteAddr returns the peer address, invalid before a peer is known.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return Addr{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Addr{c.remote}
}

// SetDeadline sets both the read and write deadlines.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

// SetReadDeadline bounds subsequent Recv and Read calls.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	return nil
}

// SetWriteDeadline bounds subsequent Send and Write calls.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

// randomPort picks a port in [minBindPort, maxBindPort].
func randomPort() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate random port: %w", err)
	}
	span := uint16(maxBindPort - minBindPort + 1)
	return minBindPort + binary.BigEndian.Uint16(b[:])%span, nil
}

var _ net.Conn = (*Socket)(nil)
