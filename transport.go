package ptc

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transport moves encoded frames between hosts. Delivery may be lossy,
// reordered or duplicated; reliability is the connection's job.
type Transport interface {
	// Send transmits a complete frame to the host at dst.
	Send(frame []byte, dst netip.Addr) error
	// Receive waits up to timeout for the next frame. It returns
	// ErrReceiveTimeout when none arrives and net.ErrClosed after Close.
	Receive(timeout time.Duration) ([]byte, error)
	// LocalAddr returns the address the transport receives on.
	LocalAddr() netip.Addr
	// Close releases the transport and unblocks Receive.
	Close() error
}

// Network opens transports. Every transport opened on an address receives
// its own copy of each frame sent to that address, the way raw IP sockets do;
// connections pick out their own frames by port.
type Network interface {
	Open(local netip.Addr) (Transport, error)
}

// mailboxDepth bounds the frames queued per transport. Frames beyond it are
// dropped as a congested link would.
const mailboxDepth = 1024

// mailbox is a Transport that receives frames pushed into it by a network
// fan-out and sends through a network-specific function.
type mailbox struct {
	local   netip.Addr
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	send    func(frame []byte, dst netip.Addr) error
	onClose func()
}

func newMailbox(local netip.Addr, send func([]byte, netip.Addr) error, onClose func()) *mailbox {
	return &mailbox{
		local:   local,
		frames:  make(chan []byte, mailboxDepth),
		done:    make(chan struct{}),
		send:    send,
		onClose: onClose,
	}
}

// deliver queues a frame without blocking.
func (m *mailbox) deliver(frame []byte) {
	select {
	case <-m.done:
	case m.frames <- frame:
	default:
		log.Warn().
			Str("local", m.local.String()).
			Msg("mailbox full - dropping frame")
	}
}

func (m *mailbox) Send(frame []byte, dst netip.Addr) error {
	select {
	case <-m.done:
		return net.ErrClosed
	default:
	}
	return m.send(frame, dst)
}

func (m *mailbox) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-m.frames:
		return frame, nil
	case <-m.done:
		return nil, net.ErrClosed
	case <-timer.C:
		return nil, ErrReceiveTimeout
	}
}

func (m *mailbox) LocalAddr() netip.Addr { return m.local }

func (m *mailbox) Close() error {
	m.once.Do(func() {
		close(m.done)
		if m.onClose != nil {
			m.onClose()
		}
	})
	return nil
}

// LinkFilter decides how many copies of a frame a MemoryNetwork delivers:
// 0 drops it, 1 delivers it normally, more duplicates it.
type LinkFilter func(frame []byte, dst netip.Addr) int

// MemoryNetwork connects transports inside one process. It is used by the
// tests and is handy for demos that need no privileges.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[netip.Addr]map[*mailbox]struct{}
	filter    LinkFilter
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[netip.Addr]map[*mailbox]struct{}),
	}
}

// SetFilter installs a filter applied to every frame sent. nil delivers all frames once.
func (n *MemoryNetwork) SetFilter(f LinkFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Open attaches a transport at local. A transport opened on the unspecified
// address receives frames for every destination.
func (n *MemoryNetwork) Open(local netip.Addr) (Transport, error) {
	var mb *mailbox
	mb = newMailbox(local, n.route, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.endpoints[local], mb)
		if len(n.endpoints[local]) == 0 {
			delete(n.endpoints, local)
		}
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[local] == nil {
		n.endpoints[local] = make(map[*mailbox]struct{})
	}
	n.endpoints[local][mb] = struct{}{}
	return mb, nil
}

// route delivers a frame to every transport listening on dst.
func (n *MemoryNetwork) route(frame []byte, dst netip.Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	copies := 1
	if n.filter != nil {
		copies = n.filter(frame, dst)
	}
	for i := 0; i < copies; i++ {
		n.deliverLocked(frame, dst)
		if dst != netip.IPv4Unspecified() {
			n.deliverLocked(frame, netip.IPv4Unspecified())
		}
	}
	return nil
}

// deliverLocked hands each endpoint at addr its own copy of frame.
// Must be called with n.mu held.
func (n *MemoryNetwork) deliverLocked(frame []byte, addr netip.Addr) {
	for mb := range n.endpoints[addr] {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		mb.deliver(cp)
	}
}
