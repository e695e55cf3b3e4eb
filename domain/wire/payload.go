package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// EchoPayload is the inner payload of an EchoReq/EchoAck envelope: the
// sender's virtual IPv4/IPv6 addresses (an unset slot is all-zero) and a
// random id used only to correlate a request with its reply.
type EchoPayload struct {
	IPv4 netip.Addr
	IPv6 netip.Addr
	ID   uint32
}

// Marshal encodes the payload to its fixed 24-byte wire form.
func (p EchoPayload) Marshal() []byte {
	buf := make([]byte, EchoPayloadSize)
	if p.IPv4.Is4() {
		a := p.IPv4.As4()
		copy(buf[0:4], a[:])
	}
	if p.IPv6.Is6() {
		a := p.IPv6.As16()
		copy(buf[4:20], a[:])
	}
	binary.BigEndian.PutUint32(buf[20:24], p.ID)
	return buf
}

// ParseEchoPayload decodes a fixed 24-byte echo payload. An all-zero address
// slot decodes to the zero netip.Addr (IsValid() == false).
func ParseEchoPayload(buf []byte) (EchoPayload, error) {
	if len(buf) < EchoPayloadSize {
		return EchoPayload{}, fmt.Errorf("echo payload too short: %d bytes", len(buf))
	}
	var out EchoPayload
	var v4 [4]byte
	copy(v4[:], buf[0:4])
	if v4 != ([4]byte{}) {
		out.IPv4 = netip.AddrFrom4(v4)
	}
	var v6 [16]byte
	copy(v6[:], buf[4:20])
	if v6 != ([16]byte{}) {
		out.IPv6 = netip.AddrFrom16(v6)
	}
	out.ID = binary.BigEndian.Uint32(buf[20:24])
	return out, nil
}

// IPDataPayload is the inner payload of an IpData envelope: a kind tag
// (IPv4/IPv6), an explicit length, and the raw inner packet.
type IPDataPayload struct {
	Kind   IPKind
	Packet []byte
}

// Marshal encodes the payload as kind(2) + length(2) + packet.
func (p IPDataPayload) Marshal() []byte {
	buf := make([]byte, 4+len(p.Packet))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.Kind))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Packet)))
	copy(buf[4:], p.Packet)
	return buf
}

// ParseIPDataPayload decodes an IpData payload. Accepted if buf contains at
// least 4+length bytes; trailing bytes beyond length are ignored.
func ParseIPDataPayload(buf []byte) (IPDataPayload, error) {
	if len(buf) < 4 {
		return IPDataPayload{}, fmt.Errorf("ip data payload too short: %d bytes", len(buf))
	}
	kind := IPKind(binary.BigEndian.Uint16(buf[0:2]))
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+length {
		return IPDataPayload{}, fmt.Errorf("ip data payload truncated: want %d bytes, have %d", 4+length, len(buf))
	}
	return IPDataPayload{Kind: kind, Packet: buf[4 : 4+length]}, nil
}
