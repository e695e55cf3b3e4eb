// Package codec implements the wire envelope: a fixed 20-byte header
// (op, reserved, seq, auth-key slot) followed by an op-specific payload,
// optionally run through a cipher capability as the last build step / first
// parse step. The layout is fixed for interop with the pre-existing
// protocol and must not change.
package codec

import (
	"encoding/binary"
	"fmt"

	"minivtun/domain/cipher"
	coreerrors "minivtun/domain/errors"
	"minivtun/domain/wire"
)

// Envelope is a parsed incoming datagram: its op, sequence number, and the
// payload bytes beyond the fixed header.
type Envelope struct {
	op      wire.Op
	seq     uint16
	payload []byte
}

func (e Envelope) Op() wire.Op     { return e.op }
func (e Envelope) Seq() uint16     { return e.seq }
func (e Envelope) Payload() []byte { return e.payload }

// Builder assembles an outgoing envelope. Build fails with
// ErrInvalidPacket unless both Op and Payload have been set (Op ==
// Disconnect counts Payload as set since its payload is empty by
// definition).
type Builder struct {
	op         wire.Op
	opSet      bool
	seq        uint16
	payload    []byte
	payloadSet bool
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) WithOp(op wire.Op) *Builder {
	b.op = op
	b.opSet = true
	if op == wire.OpDisconnect {
		b.payload = nil
		b.payloadSet = true
	}
	return b
}

func (b *Builder) WithSeq(seq uint16) *Builder {
	b.seq = seq
	return b
}

func (b *Builder) WithPayload(payload []byte) *Builder {
	b.payload = payload
	b.payloadSet = true
	return b
}

// Build renders the final bytes, applying c as the last step (nil c means
// plaintext mode: the auth slot is left zeroed and untouched).
func (b *Builder) Build(c cipher.Capability) ([]byte, error) {
	if !b.opSet || !b.payloadSet {
		return nil, fmt.Errorf("%w: op and payload must both be set", coreerrors.ErrInvalidPacket)
	}

	buf := make([]byte, wire.HeaderSize+len(b.payload))
	buf[wire.OffsetOp] = byte(b.op)
	buf[wire.OffsetReserved] = 0
	binary.BigEndian.PutUint16(buf[wire.OffsetSeq:], b.seq)
	copy(buf[wire.OffsetPayload:], b.payload)

	if c == nil {
		return buf, nil
	}

	key := c.AuthKey()
	copy(buf[wire.OffsetAuthKey:wire.OffsetAuthKey+wire.AuthKeySize], key[:])

	encrypted, err := c.EncryptInPlace(buf, len(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerrors.ErrEncryptFail, err)
	}
	return encrypted, nil
}

// Parse validates and decodes buf into an Envelope. Length must be >= 20,
// the buffer is decrypted in place if c is non-nil, and the 16 bytes at
// offset 4 must byte-equal c.AuthKey() when encrypted.
func Parse(buf []byte, c cipher.Capability) (Envelope, error) {
	if len(buf) < wire.HeaderSize {
		return Envelope{}, fmt.Errorf("%w: short packet (%d bytes)", coreerrors.ErrInvalidPacket, len(buf))
	}

	plain := buf
	if c != nil {
		decrypted, err := c.DecryptInPlace(buf)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", coreerrors.ErrDecryptFail, err)
		}
		if len(decrypted) < wire.HeaderSize {
			return Envelope{}, fmt.Errorf("%w: short packet after decrypt (%d bytes)", coreerrors.ErrInvalidPacket, len(decrypted))
		}
		plain = decrypted

		key := c.AuthKey()
		if !authKeyEquals(plain, key) {
			return Envelope{}, fmt.Errorf("%w: auth key mismatch", coreerrors.ErrInvalidPacket)
		}
	}

	return Envelope{
		op:      wire.Op(plain[wire.OffsetOp]),
		seq:     binary.BigEndian.Uint16(plain[wire.OffsetSeq:]),
		payload: plain[wire.OffsetPayload:],
	}, nil
}

func authKeyEquals(buf []byte, key [16]byte) bool {
	for i := 0; i < wire.AuthKeySize; i++ {
		if buf[wire.OffsetAuthKey+i] != key[i] {
			return false
		}
	}
	return true
}
