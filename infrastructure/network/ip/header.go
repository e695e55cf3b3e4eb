// Package ip extracts addressing information from raw inner IP packets:
// the version nibble used to classify a TUN frame as IPv4/IPv6, and the
// source/destination addresses the client/server engines and route table
// need.
package ip

import (
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"minivtun/domain/wire"
)

// Version returns 4 or 6 read from the high nibble of the first byte, or an
// error for anything else.
func Version(packet []byte) (int, error) {
	if len(packet) < 1 {
		return 0, fmt.Errorf("empty packet")
	}
	switch packet[0] >> 4 {
	case 4:
		return 4, nil
	case 6:
		return 6, nil
	default:
		return 0, fmt.Errorf("invalid IP version nibble: %#x", packet[0]>>4)
	}
}

// Kind maps a packet's version nibble to the wire envelope's kind tag.
func Kind(packet []byte) (wire.IPKind, error) {
	v, err := Version(packet)
	if err != nil {
		return 0, err
	}
	if v == 4 {
		return wire.KindIPv4, nil
	}
	return wire.KindIPv6, nil
}

// DestinationAddress extracts the destination address from an IPv4/IPv6
// header.
func DestinationAddress(header []byte) (netip.Addr, error) {
	return addressAt(header, 16, 24)
}

// SourceAddress extracts the source address from an IPv4/IPv6 header.
func SourceAddress(header []byte) (netip.Addr, error) {
	return addressAt(header, 12, 8)
}

// addressAt reads a 4-byte IPv4 address at ipv4Off or a 16-byte IPv6
// address at ipv6Off, depending on the header's version nibble.
func addressAt(header []byte, ipv4Off, ipv6Off int) (netip.Addr, error) {
	if len(header) < 1 {
		return netip.Addr{}, fmt.Errorf("invalid packet: empty header")
	}
	switch header[0] >> 4 {
	case 4:
		if len(header) < ipv4.HeaderLen {
			return netip.Addr{}, fmt.Errorf("invalid IPv4 header: too small (%d bytes)", len(header))
		}
		ihl := int(header[0]&0x0F) * 4
		if ihl < ipv4.HeaderLen || len(header) < ihl {
			return netip.Addr{}, fmt.Errorf("invalid IPv4 header: bad IHL=%d", ihl)
		}
		var a [4]byte
		copy(a[:], header[ipv4Off:ipv4Off+4])
		return netip.AddrFrom4(a), nil

	case 6:
		if len(header) < ipv6.HeaderLen {
			return netip.Addr{}, fmt.Errorf("invalid IPv6 header: too small (%d bytes)", len(header))
		}
		var a [16]byte
		copy(a[:], header[ipv6Off:ipv6Off+16])
		return netip.AddrFrom16(a), nil

	default:
		return netip.Addr{}, fmt.Errorf("invalid IP version: %d", header[0]>>4)
	}
}
