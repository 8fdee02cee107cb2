package ptc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSeqNumArithmetic verifies that Add and Sub wrap modulo 2^32
func TestSeqNumArithmetic(t *testing.T) {
	assert.Equal(t, SeqNum(1), SeqNum(0xFFFFFFFF).Add(2))
	assert.Equal(t, uint32(3), SeqNum(2).Sub(0xFFFFFFFF))
	assert.Equal(t, uint32(0), SeqNum(42).Sub(42))
	assert.Equal(t, uint32(0xFFFFFFFF), SeqNum(0).Sub(1))
}

// TestSeqPredicates checks the four ring predicates on plain and wrapped intervals
func TestSeqPredicates(t *testing.T) {
	const top = SeqNum(0xFFFFFFFF)

	tests := []struct {
		name    string
		a, b, c SeqNum
		ltlt    bool
		lelt    bool
		ltle    bool
		lele    bool
	}{
		{"inside", 10, 15, 20, true, true, true, true},
		{"at lower bound", 10, 10, 20, false, true, false, true},
		{"at upper bound", 10, 20, 20, false, false, true, true},
		{"below", 10, 5, 20, false, false, false, false},
		{"above", 10, 25, 20, false, false, false, false},
		{"wrapped inside high", top - 5, top - 1, 5, true, true, true, true},
		{"wrapped inside low", top - 5, 2, 5, true, true, true, true},
		{"wrapped at top", top - 5, top, 5, true, true, true, true},
		{"wrapped at zero", top - 5, 0, 5, true, true, true, true},
		{"wrapped upper bound", top - 5, 5, 5, false, false, true, true},
		{"wrapped lower bound", top - 5, top - 5, 5, false, true, false, true},
		{"wrapped outside", top - 5, 100, 5, false, false, false, false},
		{"empty interval", 7, 7, 7, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ltlt, SeqLtLt(tt.a, tt.b, tt.c), "LtLt")
			assert.Equal(t, tt.lelt, SeqLeLt(tt.a, tt.b, tt.c), "LeLt")
			assert.Equal(t, tt.ltle, SeqLtLe(tt.a, tt.b, tt.c), "LtLe")
			assert.Equal(t, tt.lele, SeqLeLe(tt.a, tt.b, tt.c), "LeLe")
		})
	}
}

// TestAckPredicateAcrossWrap checks snd_una < ack <= snd_nxt when snd_nxt
// has wrapped past zero
func TestAckPredicateAcrossWrap(t *testing.T) {
	sndUna := SeqNum(0xFFFFFFF0)
	sndNxt := sndUna.Add(0x20) // 0x10

	assert.True(t, SeqLtLe(sndUna, 0xFFFFFFFF, sndNxt))
	assert.True(t, SeqLtLe(sndUna, 0, sndNxt))
	assert.True(t, SeqLtLe(sndUna, sndNxt, sndNxt))
	assert.False(t, SeqLtLe(sndUna, sndUna, sndNxt), "old ack")
	assert.False(t, SeqLtLe(sndUna, sndNxt.Add(1), sndNxt), "ack beyond snd_nxt")
}
