package ptc

// SeqNum is a position in the 32-bit sequence space.
// Addition and subtraction wrap modulo 2^32, so every comparison between
// sequence numbers must go through the ring predicates below instead of the
// plain integer operators.
type SeqNum uint32

// Add returns s advanced by n positions.
func (s SeqNum) Add(n uint32) SeqNum {
	return s + SeqNum(n)
}

// Sub returns the forward distance from o to s.
// For example SeqNum(2).Sub(0xFFFFFFFF) is 3.
func (s SeqNum) Sub(o SeqNum) uint32 {
	return uint32(s - o)
}

// SeqLtLt reports whether a < b < c on the ring.
// When a > c the interval is taken to wrap past zero.
func SeqLtLt(a, b, c SeqNum) bool {
	if a <= c {
		return a < b && b < c
	}
	return b > a || b < c
}

// SeqLeLt reports whether a <= b < c on the ring.
func SeqLeLt(a, b, c SeqNum) bool {
	if a <= c {
		return a <= b && b < c
	}
	return b >= a || b < c
}

// SeqLtLe reports whether a < b <= c on the ring.
func SeqLtLe(a, b, c SeqNum) bool {
	if a <= c {
		return a < b && b <= c
	}
	return b > a || b <= c
}

// SeqLeLe reports whether a <= b <= c on the ring.
func SeqLeLe(a, b, c SeqNum) bool {
	if a <= c {
		return a <= b && b <= c
	}
	return b >= a || b <= c
}
