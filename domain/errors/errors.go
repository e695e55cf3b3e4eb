// Package errors defines the error-kind taxonomy the core distinguishes
// between, per the error handling design: fatal startup errors, per-packet
// errors recovered locally, and routing misses.
package errors

import "errors"

// Sentinel kinds. Use errors.Is against these after wrapping with %w.
var (
	// ErrInvalidArg marks a configuration or parse problem discovered at
	// startup. Fatal.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInvalidPacket marks a wire-parse or authentication failure.
	// Per-packet, recovered locally: log and drop.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrEncryptFail marks a cipher failure while building an outgoing
	// envelope. Per-packet, recovered locally.
	ErrEncryptFail = errors.New("encrypt failed")

	// ErrDecryptFail marks a cipher failure while parsing an incoming
	// envelope. Per-packet, recovered locally.
	ErrDecryptFail = errors.New("decrypt failed")

	// ErrAddAddr marks a host-OS address-configuration failure at startup.
	// Fatal.
	ErrAddAddr = errors.New("failed to add address")

	// ErrAddRoute marks a host-OS route-configuration failure at startup.
	// Fatal.
	ErrAddRoute = errors.New("failed to add route")

	// ErrNoRoute marks a server-side outbound lookup miss. Per-packet,
	// recovered locally: log and drop.
	ErrNoRoute = errors.New("no route")

	// ErrIO marks a per-operation I/O failure (send/recv/socket creation).
	// Per-datagram failures are recovered locally; socket-creation failures
	// propagate to keepalive, which records and retries.
	ErrIO = errors.New("i/o error")

	// ErrOther is the catch-all; behavior follows the originating operation.
	ErrOther = errors.New("other error")
)

// Is reports whether err wraps kind anywhere in its chain.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
