package ptc

// RetransmissionQueue holds sent segments that still await acknowledgment,
// oldest first. The head is the next candidate for retransmission.
type RetransmissionQueue struct {
	segments []*Segment
}

// NewRetransmissionQueue creates an empty queue.
func NewRetransmissionQueue() *RetransmissionQueue {
	return &RetransmissionQueue{}
}

// Put appends a segment. Segments must be put in send order.
func (q *RetransmissionQueue) Put(seg *Segment) {
	q.segments = append(q.segments, seg)
}

// Head returns the oldest unacknowledged segment, or ErrQueueEmpty.
func (q *RetransmissionQueue) Head() (*Segment, error) {
	if len(q.segments) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.segments[0], nil
}

// Len returns the number of queued segments.
func (q *RetransmissionQueue) Len() int { return len(q.segments) }

// Empty reports whether the queue holds no segments.
func (q *RetransmissionQueue) Empty() bool { return len(q.segments) == 0 }

// Clear drops every queued segment.
func (q *RetransmissionQueue) Clear() { q.segments = nil }

// RemoveAcknowledgedBy removes and returns every segment fully covered by
// ack, given the send state snd_una and snd_nxt in effect before the ACK.
//
// A segment is covered when both its start and its end lie in
// [snd_una, ack] on the ring anchored at snd_una, which holds whether or not
// snd_nxt has wrapped past zero. An ack outside [snd_una, snd_nxt] covers
// nothing.
func (q *RetransmissionQueue) RemoveAcknowledgedBy(ack, sndUna, sndNxt SeqNum) []*Segment {
	if !SeqLeLe(sndUna, ack, sndNxt) {
		return nil
	}

	var removed []*Segment
	kept := q.segments[:0]
	for _, seg := range q.segments {
		if covers(seg, ack, sndUna) {
			removed = append(removed, seg)
			continue
		}
		kept = append(kept, seg)
	}
	clear(q.segments[len(kept):])
	q.segments = kept
	return removed
}

// covers reports whether ack, given snd_una, acknowledges seg completely.
func covers(seg *Segment, ack, sndUna SeqNum) bool {
	return SeqLeLe(sndUna, seg.SeqLo(), ack) && SeqLeLe(sndUna, seg.SeqHi(), ack)
}
