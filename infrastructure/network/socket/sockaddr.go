//go:build linux

package socket

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

func sockaddrFromAddrPort(addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		a4 := ip.As4()
		sa.Addr = a4
		return sa, nil
	}
	if ip.Is6() {
		sa := &unix.SockaddrInet6{Port: int(addr.Port())}
		a16 := ip.As16()
		sa.Addr = a16
		return sa, nil
	}
	return nil, fmt.Errorf("sockaddr: invalid address %s", addr)
}

func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("sockaddr: unsupported type %T", sa)
	}
}

func localAddrPort(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrPortFromSockaddr(sa)
}
