package ptc

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testClientAddr = netip.MustParseAddr("10.0.0.1")
	testServerAddr = netip.MustParseAddr("10.0.0.2")
)

func testSegment(payload []byte) *Segment {
	return &Segment{
		Src:     testClientAddr,
		Dst:     testServerAddr,
		SrcPort: 4321,
		DstPort: 6677,
		Seq:     0xFFFFFFF0,
		Ack:     12345,
		Flags:   FlagACK | FlagFIN,
		Window:  1024,
		Payload: payload,
	}
}

// TestFrameRoundTrip verifies encoding and decoding for empty, single-byte and MSS payloads
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x42}},
		{"MSS", bytes.Repeat([]byte{0xAB}, DefaultMSS)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := testSegment(tt.payload)
			frame, err := EncodeFrame(seg, DefaultProtocolNumber, 64)
			require.NoError(t, err)
			require.Len(t, frame, ipHeaderLen+innerHeaderLen+len(tt.payload))
			assert.Equal(t, byte(0x45), frame[0], "version 4, 5-word header")
			assert.Equal(t, byte(64), frame[8], "TTL")
			assert.Equal(t, byte(DefaultProtocolNumber), frame[9], "protocol")

			got, err := DecodeFrame(frame, DefaultProtocolNumber)
			require.NoError(t, err)
			assert.Equal(t, seg.Src, got.Src)
			assert.Equal(t, seg.Dst, got.Dst)
			assert.Equal(t, seg.SrcPort, got.SrcPort)
			assert.Equal(t, seg.DstPort, got.DstPort)
			assert.Equal(t, seg.Seq, got.Seq)
			assert.Equal(t, seg.Ack, got.Ack)
			assert.Equal(t, seg.Flags, got.Flags)
			assert.Equal(t, seg.Window, got.Window)
			assert.Equal(t, len(tt.payload), len(got.Payload))
			assert.True(t, bytes.Equal(tt.payload, got.Payload))
		})
	}
}

// TestSegmentWireLayout verifies the big-endian inner header layout
func TestSegmentWireLayout(t *testing.T) {
	seg := &Segment{
		SrcPort: 0x0102,
		DstPort: 0x0304,
		Seq:     0x05060708,
		Ack:     0x090A0B0C,
		Flags:   FlagSYN | FlagACK,
		Window:  0x0F10,
		Payload: []byte("xy"),
	}
	data, err := seg.Marshal()
	require.NoError(t, err)

	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C,
		0x00, 0x12, 0x0F, 0x10,
		'x', 'y',
	}
	require.Equal(t, want, data)

	var back Segment
	require.NoError(t, back.Unmarshal(data))
	require.Equal(t, seg.Seq, back.Seq)
	require.Equal(t, []byte("xy"), back.Payload)
}

// TestDecodeFrameRejects verifies that malformed frames are dropped with the right error
func TestDecodeFrameRejects(t *testing.T) {
	valid, err := EncodeFrame(testSegment([]byte("data")), DefaultProtocolNumber, 255)
	require.NoError(t, err)

	corrupt := func(f func([]byte) []byte) []byte {
		frame := make([]byte, len(valid))
		copy(frame, valid)
		return f(frame)
	}

	tests := []struct {
		name     string
		frame    []byte
		protocol int
		wantErr  error
	}{
		{"short", valid[:10], DefaultProtocolNumber, ErrShortFrame},
		{"not IPv4", corrupt(func(b []byte) []byte { b[0] = 0x65; return b }), DefaultProtocolNumber, ErrNotIPv4},
		{"other protocol", valid, 17, ErrWrongProtocol},
		{"bad checksum", corrupt(func(b []byte) []byte { b[8] ^= 0xFF; return b }), DefaultProtocolNumber, ErrBadChecksum},
		{"trailing bytes", append(corrupt(func(b []byte) []byte { return b }), 0), DefaultProtocolNumber, ErrLengthMismatch},
		{"truncated payload", valid[:len(valid)-1], DefaultProtocolNumber, ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.frame, tt.protocol)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestSegmentMarshalTooLarge verifies that oversized payloads are refused
func TestSegmentMarshalTooLarge(t *testing.T) {
	seg := testSegment(make([]byte, MaxPayload+1))
	_, err := seg.Marshal()
	require.Error(t, err)
	_, err = EncodeFrame(seg, DefaultProtocolNumber, 64)
	require.Error(t, err)
}

// TestSegmentSequenceSpace verifies SeqLen and SeqHi for control and data segments
func TestSegmentSequenceSpace(t *testing.T) {
	tests := []struct {
		name    string
		flags   uint16
		payload int
		seqLen  uint32
		text    string
	}{
		{"pure ACK", FlagACK, 0, 0, "ACK"},
		{"SYN", FlagSYN, 0, 1, "SYN"},
		{"SYN+ACK", FlagSYN | FlagACK, 0, 1, "SYN|ACK"},
		{"data", FlagACK, 10, 10, "ACK"},
		{"FIN with data", FlagFIN | FlagACK, 3, 4, "FIN|ACK"},
		{"no flags", 0, 0, 0, "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := &Segment{Seq: 0xFFFFFFFF, Flags: tt.flags, Payload: make([]byte, tt.payload)}
			assert.Equal(t, tt.seqLen, seg.SeqLen())
			assert.Equal(t, SeqNum(0xFFFFFFFF).Add(tt.seqLen), seg.SeqHi())
			assert.Equal(t, tt.text, seg.FlagString())
		})
	}
}

// TestGenerateISN verifies that initial sequence numbers are randomized
func TestGenerateISN(t *testing.T) {
	seen := make(map[SeqNum]bool)
	for i := 0; i < 16; i++ {
		isn, err := generateISN()
		require.NoError(t, err)
		seen[isn] = true
	}
	require.Greater(t, len(seen), 1)
}
