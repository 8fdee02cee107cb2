package ptc

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ControlBlock holds the sequence and window state of one connection along
// with its two stream buffers.
//
// The in-buffer is anchored at the first byte expected from the peer and the
// out-buffer at the first byte we send. rcv_wnd always equals the free space
// of the in-buffer: it shrinks by exactly the bytes that become contiguous
// and grows by exactly the bytes the application drains.
//
// Like StreamBuffer, ControlBlock relies on the connection's lock; all
// methods must be called with it held.
type ControlBlock struct {
	// iss and irs anchor ring comparisons of the window-update rule.
	// They sit one position before the first send and receive positions.
	iss SeqNum
	irs SeqNum

	sndUna SeqNum
	sndNxt SeqNum
	sndWnd uint32
	sndWl1 SeqNum
	sndWl2 SeqNum

	rcvNxt SeqNum
	rcvWnd uint32

	in  *StreamBuffer
	out *StreamBuffer
}

// NewControlBlock creates the control block of a connection whose next
// byte to send is sendSeq and next byte expected is recvSeq. sendWnd is the
// window most recently advertised by the peer. recvCapacity bounds the
// in-buffer and therefore the receive window.
func NewControlBlock(sendSeq, recvSeq SeqNum, sendWnd uint32, recvCapacity, sendCapacity int, l sync.Locker) (*ControlBlock, error) {
	in, err := NewStreamBuffer(recvSeq, recvCapacity, l)
	if err != nil {
		return nil, err
	}
	out, err := NewStreamBuffer(sendSeq, sendCapacity, l)
	if err != nil {
		return nil, err
	}
	return &ControlBlock{
		iss:    sendSeq - 1,
		irs:    recvSeq - 1,
		sndUna: sendSeq,
		sndNxt: sendSeq,
		sndWnd: sendWnd,
		sndWl1: recvSeq,
		sndWl2: sendSeq,
		rcvNxt: recvSeq,
		rcvWnd: uint32(recvCapacity),
		in:     in,
		out:    out,
	}, nil
}

// SndUna returns the oldest unacknowledged sequence number.
func (cb *ControlBlock) SndUna() SeqNum { return cb.sndUna }

// SndNxt returns the next sequence number to send.
func (cb *ControlBlock) SndNxt() SeqNum { return cb.sndNxt }

// SndWnd returns the window last advertised by the peer.
func (cb *ControlBlock) SndWnd() uint32 { return cb.sndWnd }

// SndWl1 returns the sequence number of the segment that last updated SndWnd.
func (cb *ControlBlock) SndWl1() SeqNum { return cb.sndWl1 }

// SndWl2 returns the acknowledgment number of the segment that last updated SndWnd.
func (cb *ControlBlock) SndWl2() SeqNum { return cb.sndWl2 }

// RcvNxt returns the next sequence number expected from the peer.
func (cb *ControlBlock) RcvNxt() SeqNum { return cb.rcvNxt }

// RcvWnd returns the free space of the receive window.
func (cb *ControlBlock) RcvWnd() uint32 { return cb.rcvWnd }

// In returns the buffer of received data.
func (cb *ControlBlock) In() *StreamBuffer { return cb.in }

// Out returns the buffer of data waiting to be sent.
func (cb *ControlBlock) Out() *StreamBuffer { return cb.out }

// AdvertisedWindow returns rcv_wnd clamped to the 16-bit header field.
func (cb *ControlBlock) AdvertisedWindow() uint16 {
	return uint16(min(cb.rcvWnd, MaxWindow))
}

// AdvanceSndNxt consumes n sequence numbers without data, as SYN and FIN do.
func (cb *ControlBlock) AdvanceSndNxt(n uint32) { cb.sndNxt = cb.sndNxt.Add(n) }

// AdvanceRcvNxt consumes n sequence numbers of the peer, as an accepted FIN does.
func (cb *ControlBlock) AdvanceRcvNxt(n uint32) { cb.rcvNxt = cb.rcvNxt.Add(n) }

// AckIsAccepted reports whether ack acknowledges something new, that is
// snd_una < ack <= snd_nxt.
func (cb *ControlBlock) AckIsAccepted(ack SeqNum) bool {
	return SeqLtLe(cb.sndUna, ack, cb.sndNxt)
}

// ProcessIncoming applies seg to the control block. ACK information is
// handled first; the payload is stored unless ignorePayload is set.
// It returns how many bytes became contiguous in the in-buffer.
func (cb *ControlBlock) ProcessIncoming(seg *Segment, ignorePayload bool) int {
	if seg.Has(FlagACK) {
		cb.processAck(seg)
	}
	if ignorePayload {
		return 0
	}
	return cb.processPayload(seg)
}

func (cb *ControlBlock) processAck(seg *Segment) {
	if cb.AckIsAccepted(seg.Ack) {
		cb.sndUna = seg.Ack
	}
	if SeqLeLe(cb.sndUna, seg.Ack, cb.sndNxt) && cb.windowIsNewer(seg) {
		cb.sndWnd = uint32(seg.Window)
		cb.sndWl1 = seg.Seq
		cb.sndWl2 = seg.Ack
	}
}

// windowIsNewer reports whether seg carries fresher window information
// than the last update: snd_wl1 < seq, or snd_wl1 == seq and snd_wl2 <= ack.
// Positions are compared by their distance from the initial sequence numbers.
func (cb *ControlBlock) windowIsNewer(seg *Segment) bool {
	if seg.Seq.Sub(cb.irs) > cb.sndWl1.Sub(cb.irs) {
		return true
	}
	return seg.Seq == cb.sndWl1 && seg.Ack.Sub(cb.iss) >= cb.sndWl2.Sub(cb.iss)
}

// processPayload stores the part of the payload that falls inside the
// receive window [rcv_nxt, rcv_nxt+rcv_wnd).
func (cb *ControlBlock) processPayload(seg *Segment) int {
	if len(seg.Payload) == 0 {
		return 0
	}

	hi := cb.rcvNxt.Add(cb.rcvWnd)
	first := seg.Seq
	last := seg.Seq.Add(uint32(len(seg.Payload)) - 1)
	firstIn := SeqLeLe(cb.rcvNxt, first, hi)
	if !firstIn && !SeqLeLe(cb.rcvNxt, last, hi) {
		log.Debug().
			Uint32("seq", uint32(seg.Seq)).
			Uint32("rcv_nxt", uint32(cb.rcvNxt)).
			Uint32("rcv_wnd", cb.rcvWnd).
			Msg("payload outside receive window")
		return 0
	}

	pos, skip := first, uint32(0)
	if !firstIn {
		pos, skip = cb.rcvNxt, cb.rcvNxt.Sub(first)
	}
	n := min(uint32(len(seg.Payload))-skip, hi.Sub(pos))
	if n == 0 {
		return 0
	}

	delta := cb.in.AddChunk(pos, seg.Payload[skip:skip+n])
	if delta > 0 {
		cb.rcvNxt = cb.rcvNxt.Add(uint32(delta))
		cb.rcvWnd -= min(uint32(delta), cb.rcvWnd)
	}
	return delta
}

// UsableWindow returns how many new bytes the peer's window still admits:
// snd_una + snd_wnd - snd_nxt, or 0 once that edge falls behind snd_nxt.
func (cb *ControlBlock) UsableWindow() uint32 {
	edge := cb.sndUna.Add(cb.sndWnd)
	if !SeqLeLe(cb.sndUna, cb.sndNxt, edge) {
		return 0
	}
	return edge.Sub(cb.sndNxt)
}

// HasDataToSend reports whether the out-buffer holds unsent bytes.
func (cb *ControlBlock) HasDataToSend() bool {
	return !cb.out.Empty()
}

// ToOutBuffer queues bytes for sending and returns how many fit.
func (cb *ControlBlock) ToOutBuffer(p []byte) int {
	return cb.out.Put(p)
}

// ExtractFromOutBuffer removes up to limit bytes the usable window admits and
// advances snd_nxt past them.
func (cb *ControlBlock) ExtractFromOutBuffer(limit int) []byte {
	n := min(limit, int(cb.UsableWindow()))
	data := cb.out.Get(n)
	cb.sndNxt = cb.sndNxt.Add(uint32(len(data)))
	return data
}

// ExtractProbe removes one byte regardless of the usable window and
// advances snd_nxt past it, for probing a zero window.
func (cb *ControlBlock) ExtractProbe() []byte {
	data := cb.out.Get(1)
	cb.sndNxt = cb.sndNxt.Add(uint32(len(data)))
	return data
}

// FromInBuffer drains up to size bytes for the application, blocking while
// none are available. It grows rcv_wnd by the amount drained and reports
// whether the window reopened from zero.
func (cb *ControlBlock) FromInBuffer(size int, deadline time.Time) ([]byte, bool, error) {
	data, err := cb.in.Read(size, deadline)
	if err != nil {
		return nil, false, err
	}
	reopened := cb.rcvWnd == 0 && len(data) > 0
	cb.rcvWnd += uint32(len(data))
	return data, reopened, nil
}

// FlushBuffers discards everything buffered in both directions.
func (cb *ControlBlock) FlushBuffers() {
	cb.in.Flush()
	cb.out.Flush()
}
