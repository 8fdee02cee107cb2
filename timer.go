package ptc

// RetransmissionTimer counts clock ticks toward a target and fires its
// expiration callback exactly once when the target is reached, then stops.
// It is driven by the connection's clock goroutine and, like the rest of the
// connection state, is only touched with the connection lock held.
type RetransmissionTimer struct {
	running   bool
	elapsed   uint64
	target    uint64
	onExpired func()
}

// NewRetransmissionTimer creates a stopped timer that calls onExpired on expiry.
func NewRetransmissionTimer(onExpired func()) *RetransmissionTimer {
	return &RetransmissionTimer{onExpired: onExpired}
}

// Start arms the timer to expire after ticks ticks.
// It returns ErrTimerRunning if the timer is already armed.
func (t *RetransmissionTimer) Start(ticks uint64) error {
	if t.running {
		return ErrTimerRunning
	}
	t.running = true
	t.elapsed = 0
	t.target = max(1, ticks)
	return nil
}

// Stop disarms the timer. Stopping a stopped timer is a no-op.
func (t *RetransmissionTimer) Stop() {
	t.running = false
}

// Restart disarms the timer and arms it again for ticks ticks.
func (t *RetransmissionTimer) Restart(ticks uint64) {
	t.Stop()
	_ = t.Start(ticks)
}

// Running reports whether the timer is armed.
func (t *RetransmissionTimer) Running() bool { return t.running }

// Remaining returns the ticks left before expiry, or 0 when stopped.
func (t *RetransmissionTimer) Remaining() uint64 {
	if !t.running {
		return 0
	}
	return t.target - t.elapsed
}

// Tick advances the timer by one tick.
func (t *RetransmissionTimer) Tick() {
	if !t.running {
		return
	}
	t.elapsed++
	if t.elapsed >= t.target {
		t.running = false
		if t.onExpired != nil {
			t.onExpired()
		}
	}
}
