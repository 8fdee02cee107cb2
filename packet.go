package ptc

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
)

// Segment flags carried in the inner header.
const (
	// FlagFIN indicates the sender has finished sending
	FlagFIN uint16 = 1 << 0
	// FlagSYN synchronizes sequence numbers during connection setup
	FlagSYN uint16 = 1 << 1
	// FlagRST requests a reset; encoded but not acted upon
	FlagRST uint16 = 1 << 2
	// FlagNDT marks a segment carrying no data; encoded but not acted upon
	FlagNDT uint16 = 1 << 3
	// FlagACK indicates the ack field is significant
	FlagACK uint16 = 1 << 4
)

const (
	ipHeaderLen    = ipv4header.HeaderLen
	innerHeaderLen = 16
)

// Frame decoding errors.
var (
	ErrShortFrame     = errors.New("frame too short")
	ErrNotIPv4        = errors.New("not an IPv4 frame")
	ErrWrongProtocol  = errors.New("unexpected protocol number")
	ErrBadChecksum    = errors.New("bad header checksum")
	ErrLengthMismatch = errors.New("total length mismatch")
)

// Segment is one unit of protocol data together with the addresses of the
// datagram carrying it.
//
// Inner header format (all multi-byte integers in big-endian):
//   - Source port: 2 bytes
//   - Destination port: 2 bytes
//   - Sequence number: 4 bytes
//   - Acknowledgment number: 4 bytes
//   - Flags: 2 bytes
//   - Window: 2 bytes
//   - Payload: variable length
type Segment struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     SeqNum
	Ack     SeqNum
	Flags   uint16
	Window  uint16
	Payload []byte
}

// Has reports whether every bit of flag is set.
func (s *Segment) Has(flag uint16) bool {
	return s.Flags&flag == flag
}

// SeqLo returns the first sequence number occupied by the segment.
func (s *Segment) SeqLo() SeqNum { return s.Seq }

// SeqLen returns the number of sequence numbers the segment occupies:
// its payload plus one each for SYN and FIN.
func (s *Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.Has(FlagSYN) {
		n++
	}
	if s.Has(FlagFIN) {
		n++
	}
	return n
}

// SeqHi returns the sequence number just past the segment.
func (s *Segment) SeqHi() SeqNum { return s.Seq.Add(s.SeqLen()) }

// Marshal serializes the inner header and payload.
func (s *Segment) Marshal() ([]byte, error) {
	if len(s.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds maximum %d", len(s.Payload), MaxPayload)
	}
	buf := make([]byte, innerHeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(s.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(s.Ack))
	binary.BigEndian.PutUint16(buf[12:], s.Flags)
	binary.BigEndian.PutUint16(buf[14:], s.Window)
	copy(buf[innerHeaderLen:], s.Payload)
	return buf, nil
}

// Unmarshal parses an inner header and payload. Addresses are left untouched.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < innerHeaderLen {
		return fmt.Errorf("segment too short: got %d bytes, need at least %d: %w", len(data), innerHeaderLen, ErrShortFrame)
	}
	s.SrcPort = binary.BigEndian.Uint16(data[0:])
	s.DstPort = binary.BigEndian.Uint16(data[2:])
	s.Seq = SeqNum(binary.BigEndian.Uint32(data[4:]))
	s.Ack = SeqNum(binary.BigEndian.Uint32(data[8:]))
	s.Flags = binary.BigEndian.Uint16(data[12:])
	s.Window = binary.BigEndian.Uint16(data[14:])
	s.Payload = nil
	if len(data) > innerHeaderLen {
		s.Payload = make([]byte, len(data)-innerHeaderLen)
		copy(s.Payload, data[innerHeaderLen:])
	}
	return nil
}

// FlagString renders the set flags, e.g. "SYN|ACK".
func (s *Segment) FlagString() string {
	names := []struct {
		flag uint16
		name string
	}{
		{FlagSYN, "SYN"},
		{FlagFIN, "FIN"},
		{FlagRST, "RST"},
		{FlagNDT, "NDT"},
		{FlagACK, "ACK"},
	}
	var set []string
	for _, n := range names {
		if s.Flags&n.flag != 0 {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, "|")
}

// EncodeFrame wraps the segment in an IPv4 header carrying protocol and ttl
// and returns the complete datagram.
func EncodeFrame(seg *Segment, protocol, ttl int) ([]byte, error) {
	inner, err := seg.Marshal()
	if err != nil {
		return nil, err
	}

	id, err := generateFrameID()
	if err != nil {
		return nil, err
	}

	src, dst := seg.Src, seg.Dst
	if !src.IsValid() {
		src = netip.IPv4Unspecified()
	}
	if !dst.IsValid() {
		dst = netip.IPv4Unspecified()
	}

	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipHeaderLen,
		TOS:      0,
		TotalLen: ipHeaderLen + len(inner),
		ID:       int(id),
		Flags:    ipv4header.DontFragment,
		FragOff:  0,
		TTL:      ttl,
		Protocol: protocol,
		Checksum: 0,
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal IPv4 header: %w", err)
	}
	hdr.Checksum = int(^header.Checksum(hb, 0))
	hb, err = hdr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal IPv4 header: %w", err)
	}

	frame := make([]byte, 0, len(hb)+len(inner))
	frame = append(frame, hb...)
	frame = append(frame, inner...)
	return frame, nil
}

// DecodeFrame parses a datagram produced by EncodeFrame. Frames that are not
// IPv4, carry another protocol, fail the header checksum or disagree with
// their total length field are rejected.
func DecodeFrame(frame []byte, protocol int) (*Segment, error) {
	if len(frame) < ipHeaderLen {
		return nil, fmt.Errorf("got %d bytes: %w", len(frame), ErrShortFrame)
	}
	if frame[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	hdr, err := ipv4header.ParseHeader(frame)
	if err != nil {
		return nil, fmt.Errorf("parse IPv4 header: %w", err)
	}
	if hdr.Protocol != protocol {
		return nil, fmt.Errorf("got %d, want %d: %w", hdr.Protocol, protocol, ErrWrongProtocol)
	}
	if hdr.Len < ipHeaderLen || hdr.Len > len(frame) {
		return nil, fmt.Errorf("header length %d: %w", hdr.Len, ErrShortFrame)
	}
	if header.Checksum(frame[:hdr.Len], 0) != 0xffff {
		return nil, ErrBadChecksum
	}
	if hdr.TotalLen != len(frame) {
		return nil, fmt.Errorf("header says %d, frame has %d: %w", hdr.TotalLen, len(frame), ErrLengthMismatch)
	}

	seg := &Segment{Src: hdr.Src, Dst: hdr.Dst}
	if err := seg.Unmarshal(frame[hdr.Len:]); err != nil {
		return nil, err
	}
	return seg, nil
}

// generateISN generates a random initial sequence number.
func generateISN() (SeqNum, error) {
	var isn [4]byte
	_, err := rand.Read(isn[:])
	if err != nil {
		return 0, fmt.Errorf("generate random ISN: %w", err)
	}
	return SeqNum(binary.BigEndian.Uint32(isn[:])), nil
}

// generateFrameID generates a random IPv4 identification field.
func generateFrameID() (uint16, error) {
	var id [2]byte
	if _, err := rand.Read(id[:]); err != nil {
		return 0, fmt.Errorf("generate frame ID: %w", err)
	}
	return binary.BigEndian.Uint16(id[:]), nil
}
