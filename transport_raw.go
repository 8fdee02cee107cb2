package ptc

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// RawNetwork sends frames as real IPv4 datagrams through raw sockets with
// the header supplied by the caller. It needs CAP_NET_RAW or root.
type RawNetwork struct {
	protocol int
}

// NewRawNetwork creates a raw network for the given IPv4 protocol number.
func NewRawNetwork(protocol int) *RawNetwork {
	return &RawNetwork{protocol: protocol}
}

// Open binds a raw socket receiving every datagram of the network's
// protocol addressed to local.
func (n *RawNetwork) Open(local netip.Addr) (Transport, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", n.protocol), local.String())
	if err != nil {
		return nil, fmt.Errorf("listen raw ip4:%d on %s: %w", n.protocol, local, err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("open raw conn: %w", err)
	}
	return &rawTransport{local: local, conn: rc, buf: make([]byte, 65535)}, nil
}

type rawTransport struct {
	local netip.Addr
	conn  *ipv4.RawConn
	buf   []byte
}

// Send hands the frame's own header to the kernel.
func (t *rawTransport) Send(frame []byte, dst netip.Addr) error {
	hdr, err := ipv4.ParseHeader(frame)
	if err != nil {
		return fmt.Errorf("parse outgoing header: %w", err)
	}
	hdr.Dst = dst.AsSlice()
	if err := t.conn.WriteTo(hdr, frame[hdr.Len:], nil); err != nil {
		return fmt.Errorf("raw write to %s: %w", dst, err)
	}
	return nil
}

// Receive returns the datagram exactly as received, header included.
// Only one goroutine may call Receive at a time.
func (t *rawTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	hdr, payload, _, err := t.conn.ReadFrom(t.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}
	n := hdr.Len + len(payload)
	frame := make([]byte, n)
	copy(frame, t.buf[:n])
	return frame, nil
}

func (t *rawTransport) LocalAddr() netip.Addr { return t.local }

func (t *rawTransport) Close() error { return t.conn.Close() }
