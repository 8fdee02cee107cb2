package ptc

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// StreamBuffer stores a byte stream addressed by absolute sequence position.
//
// Bytes in [start, frontier) are contiguous and ready for extraction. They
// live in a circbuf.Buffer sized to the buffer capacity, which is never
// written past its free space so it never overwrites unread data. Chunks
// that arrive ahead of the frontier are parked in pending until the gap
// before them is filled.
//
// StreamBuffer has no lock of its own. Every method must be called with the
// locker passed to NewStreamBuffer held, and blocking methods release it
// while they wait.
type StreamBuffer struct {
	start    SeqNum
	capacity int
	data     *circbuf.Buffer
	pending  map[SeqNum][]byte
	cond     *sync.Cond

	ended  bool
	endErr error
}

// NewStreamBuffer creates a buffer whose first byte sits at position start.
// The buffer holds at most capacity contiguous bytes. Waiters block on a
// condition variable bound to l.
func NewStreamBuffer(start SeqNum, capacity int, l sync.Locker) (*StreamBuffer, error) {
	data, err := circbuf.NewBuffer(int64(capacity))
	if err != nil {
		return nil, fmt.Errorf("create stream buffer: %w", err)
	}
	return &StreamBuffer{
		start:    start,
		capacity: capacity,
		data:     data,
		pending:  make(map[SeqNum][]byte),
		cond:     sync.NewCond(l),
	}, nil
}

// Start returns the position of the first unread byte.
func (b *StreamBuffer) Start() SeqNum { return b.start }

// Len returns the number of contiguous bytes ready for extraction.
func (b *StreamBuffer) Len() int { return int(b.data.TotalWritten()) }

// Free returns how many more contiguous bytes fit in the buffer.
func (b *StreamBuffer) Free() int { return b.capacity - b.Len() }

// Capacity returns the maximum number of contiguous bytes.
func (b *StreamBuffer) Capacity() int { return b.capacity }

// Frontier returns the position just past the last contiguous byte.
func (b *StreamBuffer) Frontier() SeqNum { return b.start.Add(uint32(b.Len())) }

// Empty reports whether no contiguous bytes are available.
func (b *StreamBuffer) Empty() bool { return b.Len() == 0 }

// Pending returns the number of out-of-order chunks being held.
func (b *StreamBuffer) Pending() int { return len(b.pending) }

// Ended reports whether End has been called.
func (b *StreamBuffer) Ended() bool { return b.ended }

// Put appends bytes at the frontier and returns how many were stored.
// Bytes that do not fit in the free space are dropped.
func (b *StreamBuffer) Put(p []byte) int {
	n := min(len(p), b.Free())
	if n == 0 {
		return 0
	}
	// circbuf writes never fail.
	_, _ = b.data.Write(p[:n])
	b.cond.Broadcast()
	return n
}

// AddChunk stores bytes whose first byte sits at position pos and returns
// how far the frontier advanced.
//
// A chunk at or behind the frontier has its already-stored prefix dropped
// and the rest appended, after which every pending chunk that became
// contiguous is folded in. A chunk ahead of the frontier is held until the
// gap closes; a second chunk at the same position replaces it only when
// longer.
func (b *StreamBuffer) AddChunk(pos SeqNum, p []byte) int {
	if len(p) == 0 {
		return 0
	}

	before := b.Frontier()
	if !b.aheadOfFrontier(pos) {
		b.appendOverlapping(pos, p)
		b.mergePending()
		return int(b.Frontier().Sub(before))
	}

	if held, ok := b.pending[pos]; !ok || len(held) < len(p) {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		b.pending[pos] = chunk
		log.Debug().
			Uint32("pos", uint32(pos)).
			Uint32("frontier", uint32(before)).
			Int("bytes", len(p)).
			Msg("buffered out-of-order chunk")
	}
	return 0
}

// aheadOfFrontier reports whether pos lies strictly beyond the frontier,
// within half the sequence space.
func (b *StreamBuffer) aheadOfFrontier(pos SeqNum) bool {
	frontier := b.Frontier()
	return SeqLtLt(frontier, pos, frontier.Add(1<<31))
}

// appendOverlapping appends the part of p beyond the frontier.
// pos must be at or behind the frontier.
func (b *StreamBuffer) appendOverlapping(pos SeqNum, p []byte) {
	skip := b.Frontier().Sub(pos)
	if uint64(skip) >= uint64(len(p)) {
		return
	}
	b.Put(p[skip:])
}

// mergePending folds in pending chunks until none is contiguous.
func (b *StreamBuffer) mergePending() {
	for merged := true; merged && len(b.pending) > 0; {
		merged = false
		for pos, chunk := range b.pending {
			if b.aheadOfFrontier(pos) {
				continue
			}
			delete(b.pending, pos)
			b.appendOverlapping(pos, chunk)
			merged = true
		}
	}
}

// Get extracts up to size contiguous bytes without blocking.
// The result may be empty.
func (b *StreamBuffer) Get(size int) []byte {
	data := b.data.Bytes()
	n := min(size, len(data))
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, data)

	b.data.Reset()
	if n < len(data) {
		_, _ = b.data.Write(data[n:])
	}
	b.start = b.start.Add(uint32(n))
	b.cond.Broadcast()
	return out
}

// Read extracts up to size bytes, blocking while the buffer is empty.
//
// Once End has been called and the buffer is drained, Read returns the
// error given to End, or io.EOF if it was nil. A non-zero deadline bounds
// the wait and yields ErrTimeout when it passes.
func (b *StreamBuffer) Read(size int, deadline time.Time) ([]byte, error) {
	for b.Empty() && !b.ended {
		if err := b.waitLocked(deadline); err != nil {
			return nil, err
		}
	}
	if b.Empty() {
		if b.endErr != nil {
			return nil, b.endErr
		}
		return nil, io.EOF
	}
	return b.Get(size), nil
}

// WaitFree blocks until at least one byte of space is free. It returns the
// error given to End if the buffer ends first, and ErrTimeout when a
// non-zero deadline passes.
func (b *StreamBuffer) WaitFree(deadline time.Time) error {
	for b.Free() == 0 && !b.ended {
		if err := b.waitLocked(deadline); err != nil {
			return err
		}
	}
	if b.ended && b.endErr != nil {
		return b.endErr
	}
	return nil
}

// Wake releases every goroutine blocked in Read or WaitFree so they
// re-check their conditions.
func (b *StreamBuffer) Wake() {
	b.cond.Broadcast()
}

// waitLocked waits for a broadcast or the deadline, whichever comes first.
func (b *StreamBuffer) waitLocked(deadline time.Time) error {
	if deadline.IsZero() {
		b.cond.Wait()
		return nil
	}

	timeout := time.Until(deadline)
	if timeout <= 0 {
		return ErrTimeout
	}

	timer := time.NewTimer(timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			b.cond.L.Lock()
			b.cond.Broadcast()
			b.cond.L.Unlock()
		case <-done:
		}
	}()

	b.cond.Wait()
	timer.Stop()
	close(done)
	return nil
}

// End marks the end of the stream and wakes all waiters. Data already
// stored stays readable. err, when non-nil, is reported to readers after
// the data is drained instead of io.EOF.
func (b *StreamBuffer) End(err error) {
	if b.ended {
		return
	}
	b.ended = true
	b.endErr = err
	b.cond.Broadcast()
}

// Flush discards all contiguous and pending data.
func (b *StreamBuffer) Flush() {
	b.start = b.Frontier()
	b.data.Reset()
	b.pending = make(map[SeqNum][]byte)
	b.cond.Broadcast()
}
