// Package ptc implements a TCP-like reliable byte stream carried directly
// in IPv4 datagrams under its own protocol number (202 by default).
//
// Every frame is a checksummed 20-byte IPv4 header followed by a 16-byte
// protocol header: source and destination ports, 32-bit sequence and
// acknowledgment numbers, flags and a 16-bit receive window. Connections follow a ten-state machine with a
// three-way handshake, cumulative acknowledgments, sliding-window flow
// control and retransmission driven by an RFC 6298 estimator with Karn's
// rule. There is no congestion control and no TIME_WAIT.
//
// Each Socket carries a single connection. Once connected it implements
// net.Conn:
//
//	sock, _ := ptc.NewSocket(network, ptc.DefaultConfig())
//	_ = sock.Bind(netip.MustParseAddrPort("10.0.0.1:0"))
//	if err := sock.Connect(server, 10*time.Second); err != nil { ... }
//	io.Copy(sock, os.Stdin)
//
// Frames travel over a Network: RawNetwork sends real IPv4 datagrams and
// needs CAP_NET_RAW, UDPNetwork tunnels the same frames over UDP between
// virtual hosts, and MemoryNetwork connects sockets inside one process.
//
// Logging uses github.com/rs/zerolog's global logger. Per-segment events
// are logged at debug level.
package ptc
