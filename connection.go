package ptc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// conn is the protocol engine behind a Socket: the state machine, the
// control block, the retransmission machinery and the three goroutines that
// drive them.
//
// Design decisions:
//   - One sync.Mutex per connection guards every field, including the control
//     block, queue, estimator and timer. Methods named *Locked expect it held.
//   - The receiver goroutine blocks on the transport and dispatches segments.
//   - The sender goroutine wakes on a one-slot channel and emits whatever is
//     due: retransmissions, data, FIN, pending ACKs.
//   - The clock goroutine advances the tick counter and the timer.
type conn struct {
	mu sync.Mutex

	cfg       Config
	transport Transport
	local     netip.AddrPort
	remote    netip.AddrPort

	state ConnState
	iss   SeqNum
	cb    *ControlBlock

	rqueue          *RetransmissionQueue
	rto             *RTOEstimator
	timer           *RetransmissionTimer
	ticks           uint64
	retransmissions int

	readOpen          bool
	writeOpen         bool
	finSent           bool
	ackPending        bool
	retransmitPending bool

	established chan struct{} // closed on reaching ESTABLISHED
	finAcked    chan struct{} // closed once our FIN is acknowledged
	done        chan struct{} // closed on teardown
	finAckedSet bool
	torn        bool
	err         error // teardown cause, nil when graceful

	access *accessFilter

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newConn creates a connection in CLOSED state bound to local.
// The goroutines are not started until start is called.
func newConn(cfg Config, transport Transport, local netip.AddrPort) (*conn, error) {
	iss, err := generateISN()
	if err != nil {
		return nil, fmt.Errorf("generate ISN: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		cfg:         cfg,
		transport:   transport,
		local:       local,
		state:       StateClosed,
		iss:         iss,
		rqueue:      NewRetransmissionQueue(),
		rto:         NewRTOEstimator(cfg.InitialRTO, cfg.MaxRTO),
		readOpen:    true,
		writeOpen:   true,
		established: make(chan struct{}),
		finAcked:    make(chan struct{}),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.timer = NewRetransmissionTimer(c.onTimerExpiredLocked)
	if cfg.AccessList != nil {
		c.access = newAccessFilter(cfg.AccessList)
	}
	return c, nil
}

// start launches the receiver, sender and clock goroutines. It must run
// before any of them, as it reads c.local without the lock.
func (c *conn) start() {
	local := c.local.String()
	c.wg.Add(3)
	go c.receiveLoop(local)
	go c.sendLoop(local)
	go c.clockLoop()
}

// wait blocks until the goroutines have exited. It must not be called from
// one of them.
func (c *conn) wait() {
	c.wg.Wait()
}

// setStateLocked moves the state machine and logs the transition.
// Must be called with c.mu held.
func (c *conn) setStateLocked(newState ConnState) {
	if c.state == newState {
		return
	}
	log.Debug().
		Str("local", c.local.String()).
		Str("remote", c.remote.String()).
		Str("from", c.state.String()).
		Str("to", newState.String()).
		Msg("state transition")
	c.state = newState
	if newState == StateEstablished {
		select {
		case <-c.established:
		default:
			close(c.established)
		}
	}
}

// markFinAckedLocked records that the peer acknowledged our FIN.
// Must be called with c.mu held.
func (c *conn) markFinAckedLocked() {
	if !c.finAckedSet {
		c.finAckedSet = true
		close(c.finAcked)
	}
}

// signalLocked wakes the sender goroutine without blocking.
func (c *conn) signalLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// onTimerExpiredLocked runs from Tick with c.mu held.
func (c *conn) onTimerExpiredLocked() {
	c.retransmitPending = true
	c.signalLocked()
}

// tickLocked advances the connection clock by one tick.
// Must be called with c.mu held.
func (c *conn) tickLocked() {
	c.ticks++
	c.timer.Tick()
}

// listenLocked moves a fresh connection to LISTEN.
// Must be called with c.mu held.
func (c *conn) listenLocked() {
	c.setStateLocked(StateListen)
	log.Info().
		Str("local", c.local.String()).
		Msg("listening")
}

// connectLocked sends our SYN to remote and moves to SYN_SENT.
// Must be called with c.mu held.
func (c *conn) connectLocked(remote netip.AddrPort) error {
	c.remote = remote
	c.seedFromCacheLocked()
	c.setStateLocked(StateSynSent)

	syn := c.buildSegmentLocked(FlagSYN, c.iss, nil)
	if err := c.sendAndQueueLocked(syn); err != nil {
		return fmt.Errorf("send SYN: %w", err)
	}
	log.Info().
		Str("local", c.local.String()).
		Str("remote", remote.String()).
		Uint32("iss", uint32(c.iss)).
		Msg("connecting")
	return nil
}

// seedFromCacheLocked applies a cached RTT estimate for the remote host.
// Must be called with c.mu held.
func (c *conn) seedFromCacheLocked() {
	if c.cfg.TCBCache == nil {
		return
	}
	if srtt, rttvar, ok := c.cfg.TCBCache.Get(c.remote.Addr()); ok {
		c.rto.Seed(srtt, rttvar)
	}
}

// isTornDown reports whether teardown already ran.
func (c *conn) isTornDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// closeGracefullyLocked tears down a connection whose FIN exchange completed.
// Must be called with c.mu held.
func (c *conn) closeGracefullyLocked() {
	if c.cfg.TCBCache != nil && c.remote.IsValid() {
		c.cfg.TCBCache.Put(c.remote.Addr(), c.rto.SRTT(), c.rto.RTTVar())
	}
	c.teardownLocked(nil)
}

// abortLocked discards all buffered data and tears the connection down.
// Blocked and later callers observe cause.
// Must be called with c.mu held.
func (c *conn) abortLocked(cause error) {
	if c.torn {
		return
	}
	log.Error().
		Err(cause).
		Str("local", c.local.String()).
		Str("remote", c.remote.String()).
		Str("state", c.state.String()).
		Int("retransmissions", c.retransmissions).
		Msg("connection aborted")
	if c.cb != nil {
		c.cb.FlushBuffers()
	}
	c.teardownLocked(cause)
}

// teardownLocked moves to CLOSED, stops the goroutines and releases every
// waiter. Buffered incoming data stays readable after a graceful teardown.
// Must be called with c.mu held.
func (c *conn) teardownLocked(cause error) {
	if c.torn {
		return
	}
	c.torn = true
	c.err = cause
	c.setStateLocked(StateClosed)
	c.timer.Stop()
	c.rqueue.Clear()
	c.rto.Untrack()
	c.retransmitPending = false
	c.ackPending = false

	if c.cb != nil {
		c.cb.In().End(cause)
		outErr := cause
		if outErr == nil {
			outErr = net.ErrClosed
		}
		c.cb.Out().End(outErr)
	}

	close(c.done)
	c.cancel()
	if err := c.transport.Close(); err != nil {
		log.Debug().Err(err).Msg("close transport")
	}

	log.Info().
		Str("local", c.local.String()).
		Str("remote", c.remote.String()).
		Bool("graceful", cause == nil).
		Msg("connection closed")
}

// closeErrLocked returns the error reported to callers of a torn-down
// connection. Must be called with c.mu held.
func (c *conn) closeErrLocked() error {
	if c.err != nil {
		return c.err
	}
	return net.ErrClosed
}

// receiveLoop runs in a goroutine to receive and dispatch incoming frames.
// local names the endpoint in log lines only; c.local may change under c.mu.
func (c *conn) receiveLoop(local string) {
	defer c.wg.Done()
	log.Debug().Str("local", local).Msg("receive loop started")
	defer log.Debug().Str("local", local).Msg("receive loop stopped")

	for c.ctx.Err() == nil {
		frame, err := c.transport.Receive(c.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("transport receive failed")
			time.Sleep(c.cfg.ClockTick)
			continue
		}
		c.processFrame(frame)
	}
}

// processFrame decodes a frame and feeds it to the state machine.
func (c *conn) processFrame(frame []byte) {
	seg, err := DecodeFrame(frame, c.cfg.ProtocolNumber)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(frame)).Msg("dropping undecodable frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.addressedToUsLocked(seg) {
		return
	}
	c.handleSegmentLocked(seg)
	c.signalLocked()
}

// addressedToUsLocked filters segments by local endpoint and, once a peer
// is known, by remote endpoint. Must be called with c.mu held.
func (c *conn) addressedToUsLocked(seg *Segment) bool {
	if seg.DstPort != c.local.Port() {
		return false
	}
	if !c.local.Addr().IsUnspecified() && seg.Dst != c.local.Addr() {
		return false
	}
	if c.state == StateListen || !c.remote.IsValid() {
		return true
	}
	return seg.Src == c.remote.Addr() && seg.SrcPort == c.remote.Port()
}

// sendLoop runs in a goroutine and emits outgoing segments when woken.
func (c *conn) sendLoop(local string) {
	defer c.wg.Done()
	log.Debug().Str("local", local).Msg("send loop started")
	defer log.Debug().Str("local", local).Msg("send loop stopped")

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.mu.Lock()
			c.sendPendingLocked()
			c.mu.Unlock()
		}
	}
}

// clockLoop runs in a goroutine and ticks the connection clock.
func (c *conn) clockLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ClockTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.tickLocked()
			c.mu.Unlock()
		}
	}
}

// waitFor blocks until ch closes, the connection is torn down or timeout
// passes (zero waits forever). It returns nil when ch closed first.
func (c *conn) waitFor(ch <-chan struct{}, timeout time.Duration) error {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-c.done:
		select {
		case <-ch:
			return nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeErrLocked()
	case <-timerC:
		return ErrTimeout
	}
}

// write queues p for sending, blocking while the out-buffer is full.
func (c *conn) write(p []byte, deadline time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for {
		if err := c.checkWritableLocked(); err != nil {
			return written, err
		}
		if written == len(p) {
			return written, nil
		}

		n := c.cb.ToOutBuffer(p[written:])
		written += n
		if n > 0 {
			c.signalLocked()
			continue
		}
		if err := c.cb.Out().WaitFree(deadline); err != nil {
			return written, err
		}
	}
}

// checkWritableLocked returns the error a write in the current state gets.
// Must be called with c.mu held.
func (c *conn) checkWritableLocked() error {
	if c.torn && c.err != nil {
		return c.err
	}
	if !c.writeOpen && c.cb != nil {
		return protocolError("send", ErrWriteStreamClosed)
	}
	if c.cb == nil || !c.state.canSend() {
		return protocolError("send", ErrNotConnected)
	}
	return nil
}

// read returns up to size bytes, blocking while none are buffered.
// It returns io.EOF once the peer's stream has ended and been drained.
func (c *conn) read(size int, deadline time.Time) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cb == nil {
		if c.torn && c.err != nil {
			return nil, c.err
		}
		return nil, protocolError("recv", ErrNotConnected)
	}

	data, reopened, err := c.cb.FromInBuffer(size, deadline)
	if err != nil {
		return nil, err
	}
	if reopened {
		c.ackPending = true
		c.signalLocked()
	}
	return data, nil
}

// shutdown closes the read side, the write side or both.
func (c *conn) shutdown(how ShutdownMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cb == nil || (!c.state.synchronized() && c.state != StateSynRcvd) {
		return protocolError("shutdown", ErrNotConnected)
	}
	if how == ShutRead || how == ShutBoth {
		c.readOpen = false
		c.cb.In().End(nil)
	}
	if how == ShutWrite || how == ShutBoth {
		c.writeOpen = false
		c.cb.Out().Wake()
		c.signalLocked()
	}
	return nil
}

// abort tears the connection down immediately with cause.
func (c *conn) abort(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cb != nil {
		c.cb.FlushBuffers()
	}
	c.teardownLocked(cause)
}

// State returns the current state.
func (c *conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
