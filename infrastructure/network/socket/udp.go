//go:build linux

// Package socket implements the uniform datagram Socket abstraction over a
// raw non-blocking UDP fd, so the single reactor epoll set can poll it
// alongside the TUN and control fds with one mechanism.
package socket

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"minivtun/application"
)

// UDPSocket is a direct, unmediated UDP datagram socket. IsStale is always
// false: a plain UDP socket has no external liveness signal.
type UDPSocket struct {
	fd      int
	local   netip.AddrPort
	peer    netip.AddrPort
	hasPeer bool
}

// NewUDPSocket creates and binds a non-blocking UDP socket for the given
// address family, optionally applying a firewall mark.
func NewUDPSocket(bind netip.AddrPort, fwmark int, hasFWMark bool) (*UDPSocket, error) {
	domain := unix.AF_INET
	if bind.Addr().Is6() && !bind.Addr().Is4In6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if hasFWMark {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, fwmark); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("setsockopt SO_MARK: %w", err)
		}
	}

	sa, err := sockaddrFromAddrPort(bind)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", bind, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	local, err := localAddrPort(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &UDPSocket{fd: fd, local: local}, nil
}

func (s *UDPSocket) Connect(dst netip.AddrPort) error {
	sa, err := sockaddrFromAddrPort(dst)
	if err != nil {
		return err
	}
	if err := unix.Connect(s.fd, sa); err != nil {
		return fmt.Errorf("connect %s: %w", dst, err)
	}
	s.peer = dst
	s.hasPeer = true
	return nil
}

func (s *UDPSocket) Send(buf []byte) (int, error) {
	err := unix.Send(s.fd, buf, 0)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	return len(buf), nil
}

func (s *UDPSocket) SendTo(buf []byte, dst netip.AddrPort) (int, error) {
	sa, err := sockaddrFromAddrPort(dst)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(s.fd, buf, 0, sa); err != nil {
		return 0, fmt.Errorf("sendto %s: %w", dst, err)
	}
	return len(buf), nil
}

func (s *UDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
	}
	src, err := addrPortFromSockaddr(from)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, src, nil
}

func (s *UDPSocket) LocalAddr() netip.AddrPort { return s.local }
func (s *UDPSocket) PeerAddr() netip.AddrPort  { return s.peer }

func (s *UDPSocket) SetNonblocking(v bool) error { return unix.SetNonblock(s.fd, v) }
func (s *UDPSocket) Fd() int                     { return s.fd }
func (s *UDPSocket) Close() error                { return unix.Close(s.fd) }

func (s *UDPSocket) IsStale() bool                 { return false }
func (s *UDPSocket) LastHealth() (time.Time, bool) { return time.Time{}, false }

var _ application.Socket = (*UDPSocket)(nil)
