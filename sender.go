package ptc

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// sendPendingLocked emits everything that is due, in order: a
// retransmission if the timer fired, new data while the peer's window
// allows, our FIN once the write side is done, and finally a standalone ACK
// if none of the above carried one.
// Must be called with c.mu held.
func (c *conn) sendPendingLocked() {
	if c.torn {
		return
	}
	if c.retransmitPending {
		c.retransmitPending = false
		c.handleTimeoutLocked()
		if c.torn {
			return
		}
	}
	if c.cb != nil && c.state.canSend() {
		c.sendDataLocked()
		c.sendFinIfReadyLocked()
	}
	if c.ackPending && c.cb != nil {
		c.sendAckLocked()
	}
}

// handleTimeoutLocked retransmits the head of the queue after a timeout,
// backing off the RTO. The connection is aborted once the consecutive
// timeouts exceed MaxRetransmissionAttempts.
// Must be called with c.mu held.
func (c *conn) handleTimeoutLocked() {
	head, err := c.rqueue.Head()
	if err != nil {
		return
	}

	c.retransmissions++
	if c.retransmissions > c.cfg.MaxRetransmissionAttempts {
		c.abortLocked(ErrConnectionAborted)
		return
	}

	if c.rto.IsTracking(head) {
		c.rto.Untrack()
	}
	c.rto.BackOff()
	if c.retransmissions > c.cfg.BogusRTTRetransmissions {
		c.rto.ClearRTT()
	}

	c.refreshLocked(head)
	log.Debug().
		Uint32("seq", uint32(head.Seq)).
		Str("flags", head.FlagString()).
		Int("attempt", c.retransmissions).
		Float64("rto", c.rto.RTO()).
		Msg("retransmitting")
	c.transmitLocked(head)
	c.timer.Restart(c.rto.RTOTicks())
}

// sendDataLocked cuts the out-buffer into MSS-sized segments while the
// usable window is open. Must be called with c.mu held.
func (c *conn) sendDataLocked() {
	for c.cb.HasDataToSend() {
		usable := int(c.cb.UsableWindow())
		if usable == 0 {
			c.probeWindowLocked()
			return
		}
		seq := c.cb.SndNxt()
		data := c.cb.ExtractFromOutBuffer(min(c.cfg.MSS, usable))
		if len(data) == 0 {
			return
		}
		seg := c.buildSegmentLocked(FlagACK, seq, data)
		if err := c.sendAndQueueLocked(seg); err != nil {
			log.Warn().Err(err).Uint32("seq", uint32(seq)).Msg("send data")
		}
	}
}

// probeWindowLocked sends a single byte beyond a zero window once nothing
// else is outstanding. The probe is queued like data, so the retransmission
// timer repeats it until the peer's answer reopens the window.
// Must be called with c.mu held.
func (c *conn) probeWindowLocked() {
	if c.cb.SndWnd() != 0 || !c.rqueue.Empty() {
		return
	}
	seq := c.cb.SndNxt()
	probe := c.buildSegmentLocked(FlagACK, seq, c.cb.ExtractProbe())
	log.Debug().Uint32("seq", uint32(seq)).Msg("probing zero window")
	if err := c.sendAndQueueLocked(probe); err != nil {
		log.Warn().Err(err).Msg("send window probe")
	}
}

// sendFinIfReadyLocked sends our FIN once the write side is closed and
// every byte written has been sent and acknowledged.
// Must be called with c.mu held.
func (c *conn) sendFinIfReadyLocked() {
	if c.writeOpen || c.finSent || c.cb.HasDataToSend() || c.cb.SndUna() != c.cb.SndNxt() {
		return
	}

	fin := c.buildSegmentLocked(FlagFIN|FlagACK, c.cb.SndNxt(), nil)
	c.cb.AdvanceSndNxt(1)
	c.finSent = true
	if c.state == StateEstablished {
		c.setStateLocked(StateFinWait1)
	} else {
		c.setStateLocked(StateLastAck)
	}
	if err := c.sendAndQueueLocked(fin); err != nil {
		log.Warn().Err(err).Msg("send FIN")
	}
}

// sendAckLocked sends a standalone ACK of everything received so far.
// Must be called with c.mu held.
func (c *conn) sendAckLocked() {
	ack := c.buildSegmentLocked(FlagACK, c.cb.SndNxt(), nil)
	c.transmitLocked(ack)
	c.ackPending = false
}

// buildSegmentLocked fills in addressing, acknowledgment and window.
// Must be called with c.mu held.
func (c *conn) buildSegmentLocked(flags uint16, seq SeqNum, payload []byte) *Segment {
	seg := &Segment{
		Src:     c.local.Addr(),
		Dst:     c.remote.Addr(),
		SrcPort: c.local.Port(),
		DstPort: c.remote.Port(),
		Seq:     seq,
		Flags:   flags,
		Window:  uint16(min(c.cfg.ReceiveBufferSize, MaxWindow)),
		Payload: payload,
	}
	c.refreshLocked(seg)
	return seg
}

// refreshLocked stamps the current acknowledgment and window on seg, as
// needed before a retransmission. Must be called with c.mu held.
func (c *conn) refreshLocked(seg *Segment) {
	if c.cb == nil {
		return
	}
	seg.Window = c.cb.AdvertisedWindow()
	if seg.Has(FlagACK) {
		seg.Ack = c.cb.RcvNxt()
	}
}

// sendAndQueueLocked transmits a segment that occupies sequence space and
// keeps it for retransmission, timing it if nothing else is timed.
// Must be called with c.mu held.
func (c *conn) sendAndQueueLocked(seg *Segment) error {
	if seg.SeqLen() > 0 {
		c.rqueue.Put(seg)
		c.rto.Track(seg, c.ticks)
		if !c.timer.Running() {
			_ = c.timer.Start(c.rto.RTOTicks())
		}
	}
	if seg.Has(FlagACK) {
		c.ackPending = false
	}
	return c.transmitLocked(seg)
}

// transmitLocked encodes and sends a segment. Send failures are not fatal:
// the retransmission timer recovers queued segments.
// Must be called with c.mu held.
func (c *conn) transmitLocked(seg *Segment) error {
	frame, err := EncodeFrame(seg, c.cfg.ProtocolNumber, c.cfg.TTL)
	if err != nil {
		return fmt.Errorf("encode segment: %w", err)
	}
	if err := c.transport.Send(frame, seg.Dst); err != nil {
		log.Debug().Err(err).Str("dst", seg.Dst.String()).Msg("transport send failed")
		return fmt.Errorf("transmit: %w", err)
	}

	log.Debug().
		Str("flags", seg.FlagString()).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("ack", uint32(seg.Ack)).
		Uint16("window", seg.Window).
		Int("len", len(seg.Payload)).
		Msg("sent segment")
	return nil
}
