//go:build linux

package socket

import (
	"fmt"
	"net/netip"

	"minivtun/application"
)

// DirectFactory creates direct (unmediated) UDP sockets. The bind family
// follows the first target address's family; with no targets it defaults
// to IPv4 any-address. BindPort, when non-zero, fixes the
// local port instead of letting the kernel pick one; the server role binds
// a configured listen port this way.
type DirectFactory struct {
	FirewallMark int
	HasFWMark    bool
	BindPort     int
}

func NewDirectFactory(fwmark int, hasFWMark bool) *DirectFactory {
	return &DirectFactory{FirewallMark: fwmark, HasFWMark: hasFWMark}
}

func (f *DirectFactory) NewSocket(targets []netip.AddrPort) (application.Socket, error) {
	bindIP := netip.IPv4Unspecified()
	if len(targets) > 0 && targets[0].Addr().Is6() && !targets[0].Addr().Is4In6() {
		bindIP = netip.IPv6Unspecified()
	}
	bind := netip.AddrPortFrom(bindIP, uint16(f.BindPort))

	sock, err := NewUDPSocket(bind, f.FirewallMark, f.HasFWMark)
	if err != nil {
		return nil, fmt.Errorf("socket factory: %w", err)
	}
	return sock, nil
}

var _ application.SocketFactory = (*DirectFactory)(nil)
