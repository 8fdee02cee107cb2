package ptc

import (
	"math"

	"github.com/rs/zerolog/log"
)

// RTT estimator constants per RFC 6298.
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
	rttK     = 4
)

// RTOEstimator computes the retransmission timeout from round-trip samples
// per RFC 6298, applying Karn's algorithm: only one segment is timed at a
// time and a segment that gets retransmitted is never sampled.
// All values are in clock ticks.
type RTOEstimator struct {
	srtt   float64
	rttvar float64
	rto    float64
	maxRTO float64

	tracked   *Segment
	startTick uint64
}

// NewRTOEstimator creates an estimator starting at initialRTO and never
// backing off beyond maxRTO.
func NewRTOEstimator(initialRTO, maxRTO int) *RTOEstimator {
	return &RTOEstimator{
		rto:    float64(initialRTO),
		maxRTO: float64(maxRTO),
	}
}

// SRTT returns the smoothed round-trip time.
func (r *RTOEstimator) SRTT() float64 { return r.srtt }

// RTTVar returns the round-trip time variation.
func (r *RTOEstimator) RTTVar() float64 { return r.rttvar }

// RTO returns the current retransmission timeout.
func (r *RTOEstimator) RTO() float64 { return r.rto }

// RTOTicks returns the timeout rounded up to whole ticks, at least one.
func (r *RTOEstimator) RTOTicks() uint64 {
	return uint64(max(1, math.Ceil(r.rto)))
}

// Tracking reports whether a segment is currently being timed.
func (r *RTOEstimator) Tracking() bool { return r.tracked != nil }

// IsTracking reports whether seg is the segment being timed.
func (r *RTOEstimator) IsTracking(seg *Segment) bool {
	return r.tracked != nil && r.tracked == seg
}

// Track starts timing seg as sent at tick now. It is a no-op while another
// segment is being timed.
func (r *RTOEstimator) Track(seg *Segment, now uint64) {
	if r.tracked != nil {
		return
	}
	r.tracked = seg
	r.startTick = now
}

// Untrack abandons the current measurement.
func (r *RTOEstimator) Untrack() {
	r.tracked = nil
}

// ProcessAck takes an RTT sample if ack, given snd_una before the ACK,
// fully covers the tracked segment. It reports whether a sample was taken.
func (r *RTOEstimator) ProcessAck(ack, sndUna SeqNum, now uint64) bool {
	if r.tracked == nil || !covers(r.tracked, ack, sndUna) {
		return false
	}
	r.addSample(float64(now - r.startTick))
	r.tracked = nil
	return true
}

func (r *RTOEstimator) addSample(sample float64) {
	if r.srtt == 0 {
		r.srtt = sample
		r.rttvar = sample / 2
	} else {
		r.rttvar = (1-rttBeta)*r.rttvar + rttBeta*math.Abs(r.srtt-sample)
		r.srtt = (1-rttAlpha)*r.srtt + rttAlpha*sample
	}
	r.updateRTO()

	log.Debug().
		Float64("sample", sample).
		Float64("srtt", r.srtt).
		Float64("rttvar", r.rttvar).
		Float64("rto", r.rto).
		Msg("RTT sample")
}

// updateRTO computes RTO = SRTT + max(G, K*RTTVAR) with a one-tick granularity.
func (r *RTOEstimator) updateRTO() {
	r.rto = min(r.maxRTO, r.srtt+max(1, rttK*r.rttvar))
}

// BackOff doubles the timeout, capped at the maximum.
func (r *RTOEstimator) BackOff() {
	r.rto = min(r.maxRTO, 2*r.rto)
}

// ClearRTT discards the smoothed RTT after repeated timeouts, folding it
// into the variance so the next sample starts a fresh estimate.
func (r *RTOEstimator) ClearRTT() {
	r.rttvar += r.srtt
	r.srtt = 0
}

// Seed installs an RTT estimate learned elsewhere, such as from a TCBCache.
func (r *RTOEstimator) Seed(srtt, rttvar float64) {
	if srtt <= 0 {
		return
	}
	r.srtt = srtt
	r.rttvar = rttvar
	r.updateRTO()
}
