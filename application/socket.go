package application

import (
	"net/netip"
	"time"
)

// Socket is the uniform datagram transport the core depends on, whether
// backed by a direct UDP socket or a rendezvous-mediated one.
type Socket interface {
	Connect(dst netip.AddrPort) error
	Send(buf []byte) (int, error)
	SendTo(buf []byte, dst netip.AddrPort) (int, error)
	RecvFrom(buf []byte) (n int, src netip.AddrPort, err error)
	LocalAddr() netip.AddrPort
	PeerAddr() netip.AddrPort
	SetNonblocking(bool) error
	Fd() int
	Close() error

	// IsStale reports whether this socket's underlying path (e.g. a
	// rendezvous-punched hole) is believed unusable.
	IsStale() bool
	// LastHealth reports the time of the most recent external liveness
	// signal for this socket (e.g. a rendezvous keepalive), if any.
	LastHealth() (time.Time, bool)
}

// SocketFactory creates a Socket bound to a local address. The bind
// address family follows the first target server address.
type SocketFactory interface {
	// NewSocket creates and binds a socket. targets is the ordered set of
	// server addresses this socket may be asked to connect to; its first
	// entry determines the bind address family.
	NewSocket(targets []netip.AddrPort) (Socket, error)
}
