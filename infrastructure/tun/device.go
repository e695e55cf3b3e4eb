//go:build linux

// Package tun opens a Linux TUN interface as a non-blocking raw fd. The
// interface's own addressing and routes are installed by the host OS
// outside this process; this package only gets a packet-in/packet-out fd
// the reactor can poll.
package tun

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"minivtun/application"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTun     = 0x0001
	iffNoPI    = 0x1000
)

// ifReq mirrors struct ifreq's name+flags prefix, as used by TUNSETIFF.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

// Device is a non-blocking TUN fd implementing application.Device.
type Device struct {
	file *os.File
	fd   int
	name string
}

// Open creates or attaches to the TUN interface named ifName and puts it in
// non-blocking IFF_TUN|IFF_NO_PI mode.
func Open(ifName string) (*Device, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], ifName)
	req.Flags = iffTun | iffNoPI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("tun: ioctl TUNSETIFF: %w", errno)
	}

	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("tun: set nonblocking: %w", err)
	}

	return &Device{file: f, fd: fd, name: ifName}, nil
}

func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, fmt.Errorf("tun: read: %w", err)
	}
	return n, nil
}

func (d *Device) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, fmt.Errorf("tun: write: %w", err)
	}
	return n, nil
}

func (d *Device) Close() error { return d.file.Close() }
func (d *Device) Fd() int      { return d.fd }
func (d *Device) Name() string { return d.name }

var _ application.Device = (*Device)(nil)
