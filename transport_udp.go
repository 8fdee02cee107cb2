package ptc

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// UDPNetwork emulates an IPv4 network with UDP links: every virtual host
// address maps to a UDP endpoint and frames travel whole as UDP payloads.
// Transports opened on the same virtual address share one UDP socket.
type UDPNetwork struct {
	mu    sync.Mutex
	hosts map[netip.Addr]netip.AddrPort
	links map[netip.Addr]*udpLink
}

// udpLink is the UDP socket of one local virtual host and its transports.
type udpLink struct {
	addr      netip.Addr
	conn      *net.UDPConn
	mailboxes map[*mailbox]struct{}
}

// NewUDPNetwork creates a network from a virtual-address to UDP-endpoint map.
func NewUDPNetwork(hosts map[netip.Addr]netip.AddrPort) *UDPNetwork {
	n := &UDPNetwork{
		hosts: make(map[netip.Addr]netip.AddrPort, len(hosts)),
		links: make(map[netip.Addr]*udpLink),
	}
	for vip, ap := range hosts {
		n.hosts[vip] = ap
	}
	return n
}

// AddHost maps a virtual address to a UDP endpoint.
func (n *UDPNetwork) AddHost(vip netip.Addr, endpoint netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[vip] = endpoint
}

// Endpoint returns the UDP endpoint of a virtual host.
func (n *UDPNetwork) Endpoint(vip netip.Addr) (netip.AddrPort, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ap, ok := n.hosts[vip]
	return ap, ok
}

// Open attaches a transport to the virtual host at local, binding its UDP
// endpoint on first use. An endpoint with port 0 is replaced by the port the
// kernel picked.
func (n *UDPNetwork) Open(local netip.Addr) (Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	link, ok := n.links[local]
	if !ok {
		endpoint, known := n.hosts[local]
		if !known {
			return nil, fmt.Errorf("no UDP endpoint for virtual host %s", local)
		}
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(endpoint))
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
		}
		if endpoint.Port() == 0 {
			bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
			endpoint = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())
			n.hosts[local] = endpoint
		}
		link = &udpLink{addr: local, conn: conn, mailboxes: make(map[*mailbox]struct{})}
		n.links[local] = link
		go n.readLoop(link)

		log.Debug().
			Str("vip", local.String()).
			Str("udp", endpoint.String()).
			Msg("UDP link up")
	}

	var mb *mailbox
	mb = newMailbox(local, n.sendFrom(link), func() { n.detach(link, mb) })
	link.mailboxes[mb] = struct{}{}
	return mb, nil
}

// sendFrom returns a send function writing through link's socket.
func (n *UDPNetwork) sendFrom(link *udpLink) func([]byte, netip.Addr) error {
	return func(frame []byte, dst netip.Addr) error {
		n.mu.Lock()
		endpoint, ok := n.hosts[dst]
		n.mu.Unlock()
		if !ok {
			return fmt.Errorf("no UDP endpoint for virtual host %s", dst)
		}
		endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
		if _, err := link.conn.WriteToUDPAddrPort(frame, endpoint); err != nil {
			return fmt.Errorf("write to %s: %w", endpoint, err)
		}
		return nil
	}
}

// detach removes a transport and closes the link once it has none left.
func (n *UDPNetwork) detach(link *udpLink, mb *mailbox) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(link.mailboxes, mb)
	if len(link.mailboxes) == 0 && n.links[link.addr] == link {
		delete(n.links, link.addr)
		link.conn.Close()
	}
}

// readLoop fans frames received on the link out to its transports.
func (n *UDPNetwork) readLoop(link *udpLink) {
	buf := make([]byte, 65535)
	for {
		nr, from, err := link.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Str("vip", link.addr.String()).Msg("UDP link down")
				return
			}
			log.Warn().Err(err).Str("vip", link.addr.String()).Msg("UDP read failed")
			continue
		}

		n.mu.Lock()
		for mb := range link.mailboxes {
			frame := make([]byte, nr)
			copy(frame, buf[:nr])
			mb.deliver(frame)
		}
		n.mu.Unlock()

		log.Trace().
			Str("from", from.String()).
			Int("bytes", nr).
			Msg("UDP frame")
	}
}

// ParseHostMap parses a comma- or space-separated list of vip=host:port
// pairs, such as "10.0.0.1=127.0.0.1:5001,10.0.0.2=127.0.0.1:5002".
func ParseHostMap(list string) (map[netip.Addr]netip.AddrPort, error) {
	hosts := make(map[netip.Addr]netip.AddrPort)
	for _, part := range strings.Fields(strings.ReplaceAll(list, ",", " ")) {
		vip, endpoint, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("host entry %q: missing '='", part)
		}
		addr, err := netip.ParseAddr(vip)
		if err != nil {
			return nil, fmt.Errorf("host entry %q: %w", part, err)
		}
		ap, err := netip.ParseAddrPort(endpoint)
		if err != nil {
			return nil, fmt.Errorf("host entry %q: %w", part, err)
		}
		hosts[addr] = ap
	}
	return hosts, nil
}
