// Package aescbc implements the domain/cipher.Capability with AES-128-CBC
// or AES-256-CBC, a fixed 16-byte IV, an MD5-derived key, and zero padding
// to the block size. This construction is required for interoperability
// with a pre-existing protocol and must not change.
package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"

	domaincipher "minivtun/domain/cipher"
	"minivtun/domain/wire"
)

// fixedIV is a 32-byte constant table; only the first 16 bytes are used as
// the CBC initialization vector. A fixed IV permits known-plaintext
// attacks against the auth-key slot; it is preserved for interop. A caller
// enabling encryption should surface Warning at startup.
var fixedIV = [32]byte{
	0x4e, 0x6f, 0x76, 0x61, 0x20, 0x79, 0x6f, 0x75,
	0x20, 0x73, 0x6f, 0x20, 0x6d, 0x75, 0x63, 0x68,
	0x20, 0x77, 0x61, 0x6e, 0x74, 0x65, 0x64, 0x20,
	0x74, 0x68, 0x69, 0x73, 0x20, 0x74, 0x6f, 0x20,
}

// Kind names the supported AES variants.
type Kind string

const (
	AES128 Kind = "aes-128"
	AES256 Kind = "aes-256"
)

// Warning is the one-line startup warning emitted when encryption is
// enabled, given the fixed IV's known-plaintext weakness.
const Warning = "encryption enabled with a fixed IV (wire-format interop); the auth-key slot is not resistant to known-plaintext analysis"

// Cipher implements domain/cipher.Capability.
type Cipher struct {
	block   cipher.Block
	authKey [16]byte
}

// New derives the AES key as MD5(secret), replicated to 32 bytes for
// AES-256, and returns a Cipher ready to build/parse envelopes.
func New(kind Kind, secret string) (*Cipher, error) {
	sum := md5.Sum([]byte(secret))

	var key []byte
	switch kind {
	case AES128:
		key = sum[:]
	case AES256:
		key = append(append([]byte{}, sum[:]...), sum[:]...)
	default:
		return nil, fmt.Errorf("aescbc: unsupported kind %q", kind)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aescbc: %w", err)
	}

	// The auth-key slot carried in every envelope is MD5(secret)'s first
	// 16 bytes, matching the key derivation for AES-128.
	return &Cipher{block: block, authKey: sum}, nil
}

func (c *Cipher) AuthKey() [16]byte { return c.authKey }

func (c *Cipher) iv() []byte { return fixedIV[:16] }

// EncryptInPlace zero-pads buf[:usedLen] to the block size and encrypts it
// in place, returning the (possibly grown) encrypted slice.
func (c *Cipher) EncryptInPlace(buf []byte, usedLen int) ([]byte, error) {
	padded := padZero(buf[:usedLen], wire.BlockSize)
	mode := cipher.NewCBCEncrypter(c.block, c.iv())
	mode.CryptBlocks(padded, padded)
	return padded, nil
}

// DecryptInPlace decrypts buf in place. Padding is not stripped: the
// envelope's own length fields (e.g. IpData's explicit length) describe
// the meaningful payload, and trailing zero padding beyond that is inert.
func (c *Cipher) DecryptInPlace(buf []byte) ([]byte, error) {
	if len(buf) == 0 || len(buf)%wire.BlockSize != 0 {
		return nil, fmt.Errorf("aescbc: ciphertext length %d is not a multiple of the block size", len(buf))
	}
	mode := cipher.NewCBCDecrypter(c.block, c.iv())
	mode.CryptBlocks(buf, buf)
	return buf, nil
}

func (c *Cipher) EncryptVec(buf []byte) ([]byte, error) {
	return c.EncryptInPlace(append([]byte{}, buf...), len(buf))
}

func (c *Cipher) DecryptVec(buf []byte) ([]byte, error) {
	return c.DecryptInPlace(append([]byte{}, buf...))
}

// padZero returns src zero-padded to a multiple of blockSize. If len(src)
// is already a multiple, src is returned unchanged (the no-op case).
func padZero(src []byte, blockSize int) []byte {
	rem := len(src) % blockSize
	if rem == 0 {
		return src
	}
	padded := make([]byte, len(src)+(blockSize-rem))
	copy(padded, src)
	return padded
}

var _ domaincipher.Capability = (*Cipher)(nil)
