// Package client implements the client engine: TUN outbound, socket
// inbound, the echo-driven keepalive/reconnect/rebind state machine, and
// the control-socket commands.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"minivtun/application"
	"minivtun/domain/cipher"
	"minivtun/domain/config"
	coreerrors "minivtun/domain/errors"
	"minivtun/domain/wire"
	"minivtun/infrastructure/codec"
	"minivtun/infrastructure/control"
	"minivtun/infrastructure/network/ip"
)

// reactorFds is the subset of *reactor.Reactor the engine needs to swap the
// socket fd in and out on rebind, kept as an interface so this package does
// not import infrastructure/reactor directly.
type reactorFds interface {
	RegisterSocket(fd int, handler func() error) error
	Unregister(fd int) error
}

// Engine owns the client side of one tunnel.
type Engine struct {
	cfg     config.Configuration
	tun     application.Device
	factory application.SocketFactory
	cipher  cipher.Capability
	reactor reactorFds
	logger  application.Logger

	sock application.Socket

	serverIndex int
	// portAttempts counts connect attempts per server entry so a
	// configured port range is walked one port per attempt.
	portAttempts []int

	lastRebind  time.Time
	lastConnect time.Time
	lastAck     time.Time
	lastRx      time.Time
	lastEcho    time.Time

	seq     uint16
	rxBytes uint64
	txBytes uint64

	rxBuf []byte
	txBuf []byte

	// resolve defaults to config.Host.Resolve; tests override it to exercise
	// resolveWithWait's retry loop without a real DNS lookup.
	resolve func(config.Host, int) (netip.AddrPort, error)
}

// New builds a client Engine. It does not connect; call Start.
func New(cfg config.Configuration, tun application.Device, factory application.SocketFactory, c cipher.Capability, reactor reactorFds, logger application.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		tun:          tun,
		factory:      factory,
		cipher:       c,
		reactor:      reactor,
		logger:       logger,
		seq:          randomSeed(),
		portAttempts: make([]int, len(cfg.Servers)),
		rxBuf:        make([]byte, cfg.MTU+wire.HeaderSize+64),
		txBuf:        make([]byte, cfg.MTU+wire.HeaderSize+64),
		resolve:      func(h config.Host, port int) (netip.AddrPort, error) { return h.Resolve(port) },
	}
}

func randomSeed() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (e *Engine) nextSeq() uint16 {
	e.seq++
	return e.seq
}

// Start resolves and connects to servers[0], then registers the resulting
// socket fd with the reactor. When cfg.WaitForDNS is set, a resolution
// failure is not fatal: Start retries on cfg.ReconnectTimeout until the
// name resolves.
func (e *Engine) Start() error {
	if len(e.cfg.Servers) == 0 {
		return fmt.Errorf("%w: no servers configured", coreerrors.ErrInvalidArg)
	}
	target, err := e.resolveWithWait(e.cfg.Servers[0], e.nextPort(0))
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrInvalidArg, err)
	}
	if err := e.swapSocket(target); err != nil {
		return err
	}
	if err := e.sock.Connect(target); err != nil {
		return fmt.Errorf("%w: connect %s: %v", coreerrors.ErrIO, target, err)
	}
	e.lastConnect = time.Now()
	return nil
}

// resolveWithWait resolves host, retrying every cfg.ReconnectTimeout while
// cfg.WaitForDNS is set and resolution keeps failing. Without WaitForDNS, a
// single failed lookup is returned immediately.
func (e *Engine) resolveWithWait(host config.Host, port int) (netip.AddrPort, error) {
	for {
		target, err := e.resolve(host, port)
		if err == nil {
			return target, nil
		}
		if !e.cfg.WaitForDNS {
			return netip.AddrPort{}, err
		}
		e.logger.Printf("client: waiting for dns resolution of %s: %v", host, err)
		time.Sleep(e.cfg.ReconnectTimeout)
	}
}

// nextPort returns the port for a fresh connect attempt against server
// entry idx, advancing that entry's attempt counter so a configured port
// range is walked one port per attempt.
func (e *Engine) nextPort(idx int) int {
	port := e.cfg.Servers[idx].Port(e.portAttempts[idx])
	e.portAttempts[idx]++
	return port
}

// OnTunReadable reads one packet from TUN and forwards it encapsulated.
// With no socket, the packet is dropped.
func (e *Engine) OnTunReadable() error {
	n, err := e.tun.Read(e.txBuf[:cap(e.txBuf)])
	if err != nil {
		return fmt.Errorf("%w: tun read: %v", coreerrors.ErrIO, err)
	}
	packet := e.txBuf[:n]

	kind, err := ip.Kind(packet)
	if err != nil {
		e.logger.Printf("client: drop outbound packet: %v", err)
		return nil
	}

	if e.sock == nil {
		return nil
	}

	buf, err := codec.NewBuilder().
		WithOp(wire.OpIPData).
		WithSeq(e.nextSeq()).
		WithPayload(wire.IPDataPayload{Kind: kind, Packet: packet}.Marshal()).
		Build(e.cipher)
	if err != nil {
		return fmt.Errorf("%w: build ip data: %v", coreerrors.ErrEncryptFail, err)
	}
	if _, err := e.sock.Send(buf); err != nil {
		return fmt.Errorf("%w: send: %v", coreerrors.ErrIO, err)
	}
	e.txBytes += uint64(n)
	return nil
}

// OnSocketReadable reads one datagram from the socket and dispatches it by
// op.
func (e *Engine) OnSocketReadable() error {
	if e.sock == nil {
		return nil
	}
	n, _, err := e.sock.RecvFrom(e.rxBuf)
	if err != nil {
		return fmt.Errorf("%w: recv: %v", coreerrors.ErrIO, err)
	}

	env, err := codec.Parse(e.rxBuf[:n], e.cipher)
	if err != nil {
		e.logger.Printf("client: drop inbound datagram: %v", err)
		return nil
	}

	switch env.Op() {
	case wire.OpIPData:
		payload, err := wire.ParseIPDataPayload(env.Payload())
		if err != nil {
			return fmt.Errorf("%w: ip data payload: %v", coreerrors.ErrInvalidPacket, err)
		}
		if _, err := ip.Kind(payload.Packet); err != nil {
			e.logger.Printf("client: drop inbound ip data: %v", err)
			return nil
		}
		if _, err := e.tun.Write(payload.Packet); err != nil {
			return fmt.Errorf("%w: tun write: %v", coreerrors.ErrIO, err)
		}
		e.lastRx = time.Now()
		e.rxBytes += uint64(len(payload.Packet))
	case wire.OpEchoAck, wire.OpEchoReq:
		// EchoReq is accepted as liveness evidence too, to support legacy
		// peers that echo requests back as requests.
		e.lastAck = time.Now()
	default:
		e.logger.Printf("client: unexpected op %s", env.Op())
	}
	return nil
}

func timedOut(t time.Time, d time.Duration) bool {
	return t.IsZero() || time.Since(t) > d
}

// Keepalive drives the reconnect/rebind state machine and the echo
// liveness probe. It runs first in every reactor tick.
func (e *Engine) Keepalive() {
	if timedOut(e.lastAck, e.cfg.ReconnectTimeout) &&
		timedOut(e.lastRx, e.cfg.ReconnectTimeout) &&
		timedOut(e.lastConnect, e.cfg.ReconnectTimeout) {
		if err := e.rotateAndConnect(); err != nil {
			e.logger.Printf("client: reconnect: %v", err)
		}
	}

	if timedOut(e.lastEcho, e.cfg.KeepaliveInterval) {
		if err := e.sendEcho(); err != nil {
			e.logger.Printf("client: echo: %v", err)
		}
	}
}

// rotateAndConnect advances server_index, rebinds the socket if the new
// candidate requires it, and connects. Shared by Keepalive's reconnect
// branch and the change-server control command.
func (e *Engine) rotateAndConnect() error {
	n := len(e.cfg.Servers)
	if n == 0 {
		return fmt.Errorf("%w: no servers configured", coreerrors.ErrInvalidArg)
	}
	e.serverIndex = (e.serverIndex + 1) % n
	candidate := e.cfg.Servers[e.serverIndex]

	target, err := e.resolve(candidate, e.nextPort(e.serverIndex))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", candidate, err)
	}

	if e.needsRebind(target) && timedOut(e.lastRebind, e.cfg.RebindTimeout) {
		if err := e.swapSocket(target); err != nil {
			e.logger.Printf("client: rebind failed, keeping old socket: %v", err)
		} else {
			e.lastRebind = time.Now()
		}
	}

	if e.sock == nil {
		return fmt.Errorf("%w: no socket available", coreerrors.ErrIO)
	}
	if err := e.sock.Connect(target); err != nil {
		return fmt.Errorf("%w: connect %s: %v", coreerrors.ErrIO, target, err)
	}
	e.lastConnect = time.Now()
	return nil
}

// needsRebind reports whether reaching target requires a fresh socket: the
// operator configured unconditional rebind, the address family differs
// from the current socket's, or the current socket reports staleness
// (rendezvous mode).
func (e *Engine) needsRebind(target netip.AddrPort) bool {
	if e.cfg.Rebind {
		return true
	}
	if e.sock == nil {
		return true
	}
	if e.sock.LocalAddr().Addr().Is4() != target.Addr().Is4() {
		return true
	}
	return e.sock.IsStale()
}

func (e *Engine) swapSocket(target netip.AddrPort) error {
	newSock, err := e.factory.NewSocket([]netip.AddrPort{target})
	if err != nil {
		return fmt.Errorf("%w: new socket: %v", coreerrors.ErrIO, err)
	}

	if e.sock != nil {
		_ = e.reactor.Unregister(e.sock.Fd())
		_ = e.sock.Close()
	}
	e.sock = newSock
	if err := e.reactor.RegisterSocket(newSock.Fd(), e.OnSocketReadable); err != nil {
		return fmt.Errorf("%w: register socket fd: %v", coreerrors.ErrIO, err)
	}
	return nil
}

func (e *Engine) sendEcho() error {
	if e.sock == nil {
		return nil
	}
	var id [4]byte
	_, _ = rand.Read(id[:])

	payload := wire.EchoPayload{
		IPv4: e.cfg.LocalIPv4.Addr(),
		IPv6: e.cfg.LocalIPv6.Addr(),
		ID:   binary.BigEndian.Uint32(id[:]),
	}
	buf, err := codec.NewBuilder().
		WithOp(wire.OpEchoReq).
		WithSeq(e.nextSeq()).
		WithPayload(payload.Marshal()).
		Build(e.cipher)
	if err != nil {
		return fmt.Errorf("%w: build echo: %v", coreerrors.ErrEncryptFail, err)
	}
	if _, err := e.sock.Send(buf); err != nil {
		return fmt.Errorf("%w: send echo: %v", coreerrors.ErrIO, err)
	}
	e.lastEcho = time.Now()
	return nil
}

// ShowInfo renders the status block for the control socket's show-info
// command.
func (e *Engine) ShowInfo() string {
	current := e.cfg.Servers[e.serverIndex]
	local := netip.AddrPort{}
	if e.sock != nil {
		local = e.sock.LocalAddr()
	}
	return fmt.Sprintf(
		"role=client server=%s local=%s vip4=%s vip6=%s rx=%d tx=%d last_ack_age=%s last_rx_age=%s last_connect_age=%s",
		current, local, prefixOrNone(e.cfg.LocalIPv4), prefixOrNone(e.cfg.LocalIPv6),
		e.rxBytes, e.txBytes, age(e.lastAck), age(e.lastRx), age(e.lastConnect),
	)
}

// ChangeServer performs the same rotation the reconnect branch would, on
// demand.
func (e *Engine) ChangeServer(string) string {
	if err := e.rotateAndConnect(); err != nil {
		return fmt.Sprintf("Failed to change server: %v", err)
	}
	return fmt.Sprintf("Changed server to %s", e.cfg.Servers[e.serverIndex])
}

func age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Millisecond).String()
}

func prefixOrNone(p netip.Prefix) string {
	if !p.IsValid() {
		return "none"
	}
	return p.String()
}

var _ control.Handler = (*Engine)(nil)
