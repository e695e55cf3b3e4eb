// Package cipher defines the capability the wire codec consumes. The codec
// never names a specific cipher; it treats this as an opaque block-cipher
// capability, applied as the last step of building an envelope and the
// first step of parsing one.
package cipher

// Capability is the cipher surface the codec depends on. A nil Capability
// means plaintext mode: the codec performs no transformation and the auth
// slot is left unused.
type Capability interface {
	// AuthKey returns the 16-byte tag that must appear at offset 4 of every
	// envelope this capability authenticates.
	AuthKey() [16]byte

	// EncryptInPlace encrypts buf[:usedLen] in place (growing buf as needed
	// for padding) and returns the final encrypted slice.
	EncryptInPlace(buf []byte, usedLen int) ([]byte, error)

	// DecryptInPlace decrypts buf in place and returns the plaintext slice.
	DecryptInPlace(buf []byte) ([]byte, error)

	// EncryptVec encrypts buf and returns a new byte slice.
	EncryptVec(buf []byte) ([]byte, error)

	// DecryptVec decrypts buf and returns a new byte slice.
	DecryptVec(buf []byte) ([]byte, error)
}
