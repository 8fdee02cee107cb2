package ptc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleRTT times seg from tick sent to tick acked and feeds the ACK that covers it.
func sampleRTT(r *RTOEstimator, seg *Segment, sent, acked uint64) bool {
	r.Track(seg, sent)
	return r.ProcessAck(seg.SeqHi(), seg.SeqLo(), acked)
}

// TestRTOFirstSample verifies that the first sample sets srtt and rttvar = srtt/2
func TestRTOFirstSample(t *testing.T) {
	r := NewRTOEstimator(100, 6000)
	require.Equal(t, float64(100), r.RTO())

	require.True(t, sampleRTT(r, dataSegment(1000, 10), 0, 20))
	require.Equal(t, float64(20), r.SRTT())
	require.Equal(t, float64(10), r.RTTVar())
	require.Equal(t, float64(60), r.RTO(), "RTO = SRTT + 4*RTTVAR")
	require.False(t, r.Tracking())
}

// TestRTOConvergence verifies that repeated samples at a fixed RTT produce
// strictly decreasing estimates converging toward it
func TestRTOConvergence(t *testing.T) {
	const rtt = 10
	r := NewRTOEstimator(100, 6000)

	prev := r.RTO()
	seq := SeqNum(5000)
	for i := 0; i < 3; i++ {
		seg := dataSegment(seq, 100)
		start := uint64(i * 100)
		require.True(t, sampleRTT(r, seg, start, start+rtt))
		assert.Less(t, r.RTO(), prev, "sample %d", i+1)
		assert.Greater(t, r.RTO(), float64(rtt), "sample %d", i+1)
		prev = r.RTO()
		seq = seg.SeqHi()
	}
	require.Equal(t, float64(rtt), r.SRTT())
}

// TestRTOTrackOneAtATime verifies that a second segment is not timed while
// the first is outstanding
func TestRTOTrackOneAtATime(t *testing.T) {
	r := NewRTOEstimator(100, 6000)
	first, second := dataSegment(100, 10), dataSegment(110, 10)

	r.Track(first, 5)
	r.Track(second, 7)
	require.True(t, r.IsTracking(first))
	require.False(t, r.IsTracking(second))

	// An ACK that does not cover the tracked segment takes no sample.
	require.False(t, r.ProcessAck(105, 100, 9))
	require.True(t, r.Tracking())
	require.True(t, r.ProcessAck(110, 100, 9))
	require.Equal(t, float64(4), r.SRTT())
}

// TestRTOKarn verifies that an abandoned measurement yields no sample
func TestRTOKarn(t *testing.T) {
	r := NewRTOEstimator(100, 6000)
	seg := dataSegment(100, 10)

	r.Track(seg, 0)
	r.Untrack()
	require.False(t, r.ProcessAck(110, 100, 50))
	require.Equal(t, float64(0), r.SRTT())
	require.Equal(t, float64(100), r.RTO())
}

// TestRTOBackOff verifies doubling and the upper bound
func TestRTOBackOff(t *testing.T) {
	r := NewRTOEstimator(100, 350)

	r.BackOff()
	require.Equal(t, float64(200), r.RTO())
	r.BackOff()
	require.Equal(t, float64(350), r.RTO())
	r.BackOff()
	require.Equal(t, float64(350), r.RTO())
	require.Equal(t, uint64(350), r.RTOTicks())
}

// TestRTOClearRTT verifies that clearing folds srtt into rttvar and that the
// next sample restarts the estimate
func TestRTOClearRTT(t *testing.T) {
	r := NewRTOEstimator(100, 6000)
	require.True(t, sampleRTT(r, dataSegment(0, 10), 0, 20))

	r.ClearRTT()
	require.Equal(t, float64(0), r.SRTT())
	require.Equal(t, float64(30), r.RTTVar())

	require.True(t, sampleRTT(r, dataSegment(10, 10), 100, 108))
	require.Equal(t, float64(8), r.SRTT())
	require.Equal(t, float64(4), r.RTTVar())
}

// TestRTOTicks verifies rounding up to whole ticks
func TestRTOTicks(t *testing.T) {
	tests := []struct {
		name   string
		srtt   float64
		rttvar float64
		ticks  uint64
	}{
		{"whole", 10, 2, 18},
		{"fraction", 1.5, 0.1, 3},
		{"granularity floor", 0.2, 0.01, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRTOEstimator(100, 6000)
			r.Seed(tt.srtt, tt.rttvar)
			assert.Equal(t, tt.ticks, r.RTOTicks())
		})
	}
}
