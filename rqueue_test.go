package ptc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataSegment(seq SeqNum, n int) *Segment {
	return &Segment{Seq: seq, Flags: FlagACK, Payload: make([]byte, n)}
}

// TestRetransmissionQueueHead verifies FIFO order and the empty-queue error
func TestRetransmissionQueueHead(t *testing.T) {
	q := NewRetransmissionQueue()

	_, err := q.Head()
	require.ErrorIs(t, err, ErrQueueEmpty)
	require.True(t, q.Empty())

	first, second := dataSegment(100, 10), dataSegment(110, 10)
	q.Put(first)
	q.Put(second)

	head, err := q.Head()
	require.NoError(t, err)
	require.Same(t, first, head)
	require.Equal(t, 2, q.Len())

	q.Clear()
	require.True(t, q.Empty())
}

// TestRetransmissionQueueRemoveAcknowledged verifies which segments an ACK retires
func TestRetransmissionQueueRemoveAcknowledged(t *testing.T) {
	tests := []struct {
		name        string
		sndUna      SeqNum
		sizes       []int
		ack         SeqNum
		wantRemoved int
	}{
		{"nothing acknowledged", 100, []int{10, 10, 10}, 100, 0},
		{"first segment", 100, []int{10, 10, 10}, 110, 1},
		{"partial second segment", 100, []int{10, 10, 10}, 115, 1},
		{"everything", 100, []int{10, 10, 10}, 130, 3},
		{"beyond snd_nxt", 100, []int{10, 10, 10}, 131, 0},
		{"wrapped snd_nxt", 0xFFFFFFF0, []int{16, 16}, 0x10, 2},
		{"wrapped first only", 0xFFFFFFF0, []int{16, 16}, 0, 1},
		{"segment straddling zero", 0xFFFFFFF8, []int{16, 8}, 0x08, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewRetransmissionQueue()
			seq := tt.sndUna
			for _, n := range tt.sizes {
				q.Put(dataSegment(seq, n))
				seq = seq.Add(uint32(n))
			}

			removed := q.RemoveAcknowledgedBy(tt.ack, tt.sndUna, seq)
			assert.Len(t, removed, tt.wantRemoved)
			assert.Equal(t, len(tt.sizes)-tt.wantRemoved, q.Len())
		})
	}
}

// TestRetransmissionQueueMiddleAcked exercises the coverage range alone: it
// passes a snd_una of the second segment's start, which a cumulative ACK
// never produces, so only the second segment is retired and the first and
// third are left for the retransmission timer
func TestRetransmissionQueueMiddleAcked(t *testing.T) {
	q := NewRetransmissionQueue()
	s1, s2, s3 := dataSegment(1000, 100), dataSegment(1100, 100), dataSegment(1200, 100)
	q.Put(s1)
	q.Put(s2)
	q.Put(s3)

	removed := q.RemoveAcknowledgedBy(s2.SeqHi(), s2.SeqLo(), s3.SeqHi())
	require.Equal(t, []*Segment{s2}, removed)

	var candidate *Segment
	timer := NewRetransmissionTimer(func() {
		head, err := q.Head()
		require.NoError(t, err)
		candidate = head
	})
	require.NoError(t, timer.Start(2))
	timer.Tick()
	require.Nil(t, candidate)
	timer.Tick()

	require.Same(t, s1, candidate)
	require.Equal(t, 2, q.Len())
	require.Empty(t, q.RemoveAcknowledgedBy(s2.SeqHi(), s2.SeqLo(), s3.SeqHi()))
}

// TestRetransmissionQueueCumulativeAck verifies that a cumulative ACK of
// the second segment, taken from the real snd_una, retires the first too
func TestRetransmissionQueueCumulativeAck(t *testing.T) {
	q := NewRetransmissionQueue()
	s1, s2, s3 := dataSegment(1000, 100), dataSegment(1100, 100), dataSegment(1200, 100)
	q.Put(s1)
	q.Put(s2)
	q.Put(s3)

	removed := q.RemoveAcknowledgedBy(s2.SeqHi(), s1.SeqLo(), s3.SeqHi())
	require.Equal(t, []*Segment{s1, s2}, removed)

	head, err := q.Head()
	require.NoError(t, err)
	require.Same(t, s3, head)
}

// TestRetransmissionQueueControlSegments verifies that SYN and FIN occupy one sequence number
func TestRetransmissionQueueControlSegments(t *testing.T) {
	q := NewRetransmissionQueue()
	syn := &Segment{Seq: 500, Flags: FlagSYN}
	q.Put(syn)

	require.Empty(t, q.RemoveAcknowledgedBy(500, 500, 501))
	require.Equal(t, []*Segment{syn}, q.RemoveAcknowledgedBy(501, 500, 501))

	fin := &Segment{Seq: 900, Flags: FlagFIN | FlagACK, Payload: []byte("bye")}
	require.Equal(t, uint32(4), fin.SeqLen())
	require.Equal(t, SeqNum(904), fin.SeqHi())
}
