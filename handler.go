package ptc

import (
	"net/netip"

	"github.com/rs/zerolog/log"
)

// handleSegmentLocked dispatches an incoming segment on the current state.
//
// LISTEN and SYN_SENT handle the handshake on their own. Every other state
// ignores segments without ACK, runs the acknowledgment step against the
// retransmission queue, and then applies the per-state rules.
// Must be called with c.mu held.
func (c *conn) handleSegmentLocked(seg *Segment) {
	log.Debug().
		Str("state", c.state.String()).
		Str("flags", seg.FlagString()).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("ack", uint32(seg.Ack)).
		Uint16("window", seg.Window).
		Int("len", len(seg.Payload)).
		Msg("received segment")

	switch c.state {
	case StateClosed:
		return
	case StateListen:
		c.handleListenLocked(seg)
		return
	case StateSynSent:
		c.handleSynSentLocked(seg)
		return
	}

	if seg.Has(FlagSYN) {
		c.handleDuplicateSynLocked(seg)
		return
	}
	if !seg.Has(FlagACK) {
		log.Debug().Str("state", c.state.String()).Msg("ignoring segment without ACK")
		return
	}

	accepted := c.cb.AckIsAccepted(seg.Ack)
	if accepted {
		c.acknowledgeLocked(seg.Ack)
	}

	switch c.state {
	case StateSynRcvd:
		c.handleSynRcvdLocked(seg, accepted)
	case StateEstablished:
		c.handleEstablishedLocked(seg)
	case StateFinWait1:
		c.handleFinWait1Locked(seg)
	case StateFinWait2:
		c.handleFinWait2Locked(seg)
	case StateCloseWait:
		c.handleCloseWaitLocked(seg)
	case StateLastAck, StateClosing:
		c.handleLastAckLocked(seg)
	}
}

// acknowledgeLocked retires the segments covered by an accepted ACK, feeds
// the RTT estimator and restarts or stops the retransmission timer. It runs
// before the control block applies the ACK, so snd_una is still the
// pre-ACK value. Must be called with c.mu held.
func (c *conn) acknowledgeLocked(ack SeqNum) {
	sndUna, sndNxt := c.cb.SndUna(), c.cb.SndNxt()
	removed := c.rqueue.RemoveAcknowledgedBy(ack, sndUna, sndNxt)
	c.rto.ProcessAck(ack, sndUna, c.ticks)
	c.retransmissions = 0
	c.retransmitPending = false

	if c.rqueue.Empty() {
		c.timer.Stop()
	} else {
		c.timer.Restart(c.rto.RTOTicks())
	}

	log.Debug().
		Uint32("ack", uint32(ack)).
		Int("removed", len(removed)).
		Int("outstanding", c.rqueue.Len()).
		Msg("segments acknowledged")
}

// handleListenLocked accepts a SYN from an allowed source and answers with
// SYN+ACK. Must be called with c.mu held.
func (c *conn) handleListenLocked(seg *Segment) {
	if !seg.Has(FlagSYN) || seg.Has(FlagACK) {
		return
	}
	if c.access != nil {
		if err := c.access.CheckAndLog(seg.Src); err != nil {
			return
		}
	}

	if c.local.Addr().IsUnspecified() {
		c.local = netip.AddrPortFrom(seg.Dst, c.local.Port())
	}
	c.remote = netip.AddrPortFrom(seg.Src, seg.SrcPort)

	cb, err := NewControlBlock(c.iss, seg.Seq.Add(1), uint32(seg.Window),
		c.cfg.ReceiveBufferSize, c.cfg.SendBufferSize, &c.mu)
	if err != nil {
		log.Error().Err(err).Msg("create control block")
		return
	}
	c.cb = cb
	c.seedFromCacheLocked()
	c.setStateLocked(StateSynRcvd)

	synAck := c.buildSegmentLocked(FlagSYN|FlagACK, c.iss, nil)
	c.cb.AdvanceSndNxt(1)
	if err := c.sendAndQueueLocked(synAck); err != nil {
		log.Warn().Err(err).Msg("send SYN+ACK")
	}
}

// handleSynSentLocked completes an active open on the SYN+ACK of our SYN.
// Must be called with c.mu held.
func (c *conn) handleSynSentLocked(seg *Segment) {
	if !seg.Has(FlagSYN|FlagACK) || seg.Ack != c.iss.Add(1) {
		return
	}

	c.acknowledgeOwnSynLocked(seg.Ack)
	cb, err := NewControlBlock(seg.Ack, seg.Seq.Add(1), uint32(seg.Window),
		c.cfg.ReceiveBufferSize, c.cfg.SendBufferSize, &c.mu)
	if err != nil {
		log.Error().Err(err).Msg("create control block")
		return
	}
	c.cb = cb
	c.setStateLocked(StateEstablished)
	c.sendAckLocked()

	log.Info().
		Str("local", c.local.String()).
		Str("remote", c.remote.String()).
		Msg("connection established")
}

// acknowledgeOwnSynLocked is the acknowledgment step for SYN_SENT, where no
// control block exists yet. Must be called with c.mu held.
func (c *conn) acknowledgeOwnSynLocked(ack SeqNum) {
	c.rqueue.RemoveAcknowledgedBy(ack, c.iss, c.iss.Add(1))
	c.rto.ProcessAck(ack, c.iss, c.ticks)
	c.retransmissions = 0
	c.retransmitPending = false
	c.timer.Stop()
}

// handleDuplicateSynLocked answers a repeated handshake segment: a repeated
// SYN in SYN_RCVD gets our SYN+ACK again, a repeated SYN+ACK gets an ACK.
// Must be called with c.mu held.
func (c *conn) handleDuplicateSynLocked(seg *Segment) {
	switch {
	case c.state == StateSynRcvd && !seg.Has(FlagACK) && seg.Seq.Add(1) == c.cb.RcvNxt():
		head, err := c.rqueue.Head()
		if err != nil {
			return
		}
		c.refreshLocked(head)
		c.transmitLocked(head)
	case seg.Has(FlagACK) && c.state.synchronized():
		c.sendAckLocked()
	}
}

// handleSynRcvdLocked completes a passive open once our SYN+ACK is
// acknowledged and then treats the segment as in ESTABLISHED.
// Must be called with c.mu held.
func (c *conn) handleSynRcvdLocked(seg *Segment, accepted bool) {
	if !accepted {
		return
	}
	c.setStateLocked(StateEstablished)
	log.Info().
		Str("local", c.local.String()).
		Str("remote", c.remote.String()).
		Msg("connection established")
	c.handleEstablishedLocked(seg)
}

func (c *conn) handleEstablishedLocked(seg *Segment) {
	c.cb.ProcessIncoming(seg, !c.readOpen)
	if seg.Has(FlagFIN) {
		c.acceptFinLocked(seg, StateCloseWait)
		return
	}
	c.ackDataLocked(seg)
}

func (c *conn) handleFinWait1Locked(seg *Segment) {
	c.cb.ProcessIncoming(seg, !c.readOpen)
	finAcked := c.ourFinAckedLocked()
	if finAcked {
		c.markFinAckedLocked()
	}

	if seg.Has(FlagFIN) {
		next := StateClosing
		if finAcked {
			next = StateClosed
		}
		if c.acceptFinLocked(seg, next) {
			return
		}
	} else {
		c.ackDataLocked(seg)
	}
	if finAcked {
		c.setStateLocked(StateFinWait2)
	}
}

func (c *conn) handleFinWait2Locked(seg *Segment) {
	c.cb.ProcessIncoming(seg, !c.readOpen)
	if seg.Has(FlagFIN) {
		c.acceptFinLocked(seg, StateClosed)
		return
	}
	c.ackDataLocked(seg)
}

// handleCloseWaitLocked processes ACKs only; the peer has no more data.
// A retransmitted FIN is acknowledged again.
func (c *conn) handleCloseWaitLocked(seg *Segment) {
	c.cb.ProcessIncoming(seg, true)
	if seg.Has(FlagFIN) {
		c.sendAckLocked()
	}
}

// handleLastAckLocked waits for the acknowledgment of our FIN in LAST_ACK
// and CLOSING.
func (c *conn) handleLastAckLocked(seg *Segment) {
	c.cb.ProcessIncoming(seg, true)
	if c.ourFinAckedLocked() {
		c.markFinAckedLocked()
		c.closeGracefullyLocked()
		return
	}
	if seg.Has(FlagFIN) {
		c.sendAckLocked()
	}
}

// ackDataLocked schedules an ACK for a segment carrying payload. Pure ACKs
// are never acknowledged.
func (c *conn) ackDataLocked(seg *Segment) {
	if len(seg.Payload) > 0 {
		c.ackPending = true
	}
}

// ourFinAckedLocked reports whether everything we sent, FIN included, has
// been acknowledged. Must be called with c.mu held.
func (c *conn) ourFinAckedLocked() bool {
	return c.finSent && c.cb.SndUna() == c.cb.SndNxt()
}

// acceptFinLocked takes the peer's FIN if it is the next thing expected and
// moves to next. The FIN is acknowledged either way, in place.
// It reports whether the FIN was accepted.
// Must be called with c.mu held.
func (c *conn) acceptFinLocked(seg *Segment, next ConnState) bool {
	finSeq := seg.Seq.Add(uint32(len(seg.Payload)))
	accepted := finSeq == c.cb.RcvNxt()
	if accepted {
		c.cb.AdvanceRcvNxt(1)
		c.cb.In().End(nil)
	} else {
		log.Debug().
			Uint32("fin_seq", uint32(finSeq)).
			Uint32("rcv_nxt", uint32(c.cb.RcvNxt())).
			Msg("ignoring out-of-order FIN")
	}
	c.sendAckLocked()

	if !accepted {
		return false
	}
	if next == StateClosed {
		c.closeGracefullyLocked()
	} else {
		c.setStateLocked(next)
	}
	return true
}
