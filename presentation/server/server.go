// Package server implements the server engine: decapsulate inbound
// datagrams, learn route table bindings, write the inner packets to the
// TUN device, and the reverse path that encapsulates TUN packets out to
// whichever RA owns the destination virtual IP.
package server

import (
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

// Engine owns the server side of one tunnel: the TUN device, the bound
// socket, the cipher capability, the route table, and per-VIP traffic
// counters. It is driven exclusively by the reactor's OnSocketReadable /
// OnTunReadable / Keepalive callbacks on one thread; no internal locking.
type Engine struct {
	cfg     config.Configuration
	tun     application.Device
	sock    application.Socket
	factory application.SocketFactory
	cipher  cipher.Capability
	routes  application.RouteTable
	stats   *application.StatsMap
	reactor reactorFds
	logger  application.Logger

	lastRebind time.Time
	lastHealth time.Time

	rxBuf []byte
	txBuf []byte
}

// New builds a server Engine over an already-open TUN device and bound
// socket. reactor may be nil when the caller manages fd registration
// itself; rebinding is then limited to replacing the socket.
func New(cfg config.Configuration, tun application.Device, sock application.Socket, factory application.SocketFactory, c cipher.Capability, routes application.RouteTable, stats *application.StatsMap, reactor reactorFds, logger application.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		tun:     tun,
		sock:    sock,
		factory: factory,
		cipher:  c,
		routes:  routes,
		stats:   stats,
		reactor: reactor,
		logger:  logger,
		rxBuf:   make([]byte, cfg.MTU+wire.HeaderSize+64),
		txBuf:   make([]byte, cfg.MTU+wire.HeaderSize+64),
	}
}

// OnSocketReadable drains one datagram from the socket, decodes it, and
// routes it by op. Any per-packet failure here is logged and swallowed by
// the reactor; it never stops the loop.
func (e *Engine) OnSocketReadable() error {
	n, from, err := e.sock.RecvFrom(e.rxBuf)
	if err != nil {
		return fmt.Errorf("%w: recv: %v", coreerrors.ErrIO, err)
	}

	env, err := codec.Parse(e.rxBuf[:n], e.cipher)
	if err != nil {
		e.logger.Printf("server: drop from %s: %v", from, err)
		return nil
	}

	now := time.Now()
	ra := e.routes.GetOrAddRA(from, now)

	switch env.Op() {
	case wire.OpEchoReq:
		return e.handleEchoReq(env, ra, from, now)
	case wire.OpIPData:
		return e.handleIPData(env, ra, now)
	case wire.OpDisconnect:
		e.logger.Printf("server: disconnect from %s", from)
		return nil
	default:
		e.logger.Printf("server: unexpected op %s from %s", env.Op(), from)
		return nil
	}
}

func (e *Engine) handleEchoReq(env codec.Envelope, ra *application.RA, from netip.AddrPort, now time.Time) error {
	echo, err := wire.ParseEchoPayload(env.Payload())
	if err != nil {
		return fmt.Errorf("%w: echo payload: %v", coreerrors.ErrInvalidPacket, err)
	}

	if echo.IPv4.IsValid() {
		e.routes.AddOrUpdateVA(echo.IPv4, ra, now)
	}
	if echo.IPv6.IsValid() {
		e.routes.AddOrUpdateVA(echo.IPv6, ra, now)
	}

	// The ack carries this server's own virtual IPs and echoes the
	// request's id.
	ack := wire.EchoPayload{
		IPv4: e.cfg.LocalIPv4.Addr(),
		IPv6: e.cfg.LocalIPv6.Addr(),
		ID:   echo.ID,
	}
	buf, err := codec.NewBuilder().
		WithOp(wire.OpEchoAck).
		WithSeq(ra.NextSeq()).
		WithPayload(ack.Marshal()).
		Build(e.cipher)
	if err != nil {
		return fmt.Errorf("%w: build echo ack: %v", coreerrors.ErrEncryptFail, err)
	}
	if _, err := e.sock.SendTo(buf, from); err != nil {
		return fmt.Errorf("%w: send echo ack: %v", coreerrors.ErrIO, err)
	}
	return nil
}

func (e *Engine) handleIPData(env codec.Envelope, ra *application.RA, now time.Time) error {
	payload, err := wire.ParseIPDataPayload(env.Payload())
	if err != nil {
		return fmt.Errorf("%w: ip data payload: %v", coreerrors.ErrInvalidPacket, err)
	}

	src, err := ip.SourceAddress(payload.Packet)
	if err != nil || !src.IsValid() || !e.routes.HasVA(src) {
		e.logger.Printf("server: drop ip data: unknown source vip %s", src)
		return nil
	}

	e.routes.AddOrUpdateVA(src, ra, now)
	if e.stats != nil {
		e.stats.AddRx(src, len(payload.Packet))
	}

	if _, err := e.tun.Write(payload.Packet); err != nil {
		return fmt.Errorf("%w: tun write: %v", coreerrors.ErrIO, err)
	}
	return nil
}

// OnTunReadable drains one packet from the TUN device, looks up its
// destination VIP in the route table, and forwards it encapsulated to the
// owning RA. A miss (no route) is logged and dropped.
func (e *Engine) OnTunReadable() error {
	n, err := e.tun.Read(e.txBuf[:cap(e.txBuf)])
	if err != nil {
		return fmt.Errorf("%w: tun read: %v", coreerrors.ErrIO, err)
	}
	packet := make([]byte, n)
	copy(packet, e.txBuf[:n])

	kind, err := ip.Kind(packet)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrInvalidPacket, err)
	}
	dst, err := ip.DestinationAddress(packet)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerrors.ErrInvalidPacket, err)
	}

	now := time.Now()
	va, ok := e.routes.GetRoute(dst, now)
	if !ok {
		e.logger.Printf("server: %v: %s", coreerrors.ErrNoRoute, dst)
		return nil
	}

	if e.stats != nil {
		e.stats.AddTx(dst, n)
	}

	buf, err := codec.NewBuilder().
		WithOp(wire.OpIPData).
		WithSeq(va.RA.NextSeq()).
		WithPayload(wire.IPDataPayload{Kind: kind, Packet: packet}.Marshal()).
		Build(e.cipher)
	if err != nil {
		return fmt.Errorf("%w: build ip data: %v", coreerrors.ErrEncryptFail, err)
	}
	if _, err := e.sock.SendTo(buf, va.RA.Addr); err != nil {
		return fmt.Errorf("%w: send: %v", coreerrors.ErrIO, err)
	}
	return nil
}

func timedOut(t time.Time, d time.Duration) bool {
	return t.IsZero() || time.Since(t) > d
}

// Keepalive runs once per reactor cycle: rebind the socket if the
// transport looks unhealthy, mirror the socket's health reading, then
// prune idle route table entries and their retained statistics.
func (e *Engine) Keepalive() {
	now := time.Now()

	rebindAllowed := e.cfg.Rebind || !e.cfg.Rendezvous.IsZero()
	if rebindAllowed && e.socketUnhealthy() && timedOut(e.lastRebind, e.cfg.RebindTimeout) {
		if err := e.rebind(); err != nil {
			e.logger.Printf("server: rebind failed, keeping old socket: %v", err)
		} else {
			e.lastRebind = now
		}
	}

	if e.sock != nil {
		if t, ok := e.sock.LastHealth(); ok {
			e.lastHealth = t
		}
	}

	e.routes.Prune(e.cfg.ClientLivenessTimeout, now)
	if e.stats != nil {
		e.stats.Retain(e.routes.HasVA)
	}
}

// socketUnhealthy reports whether the current socket should be replaced:
// it is missing, reports staleness, or its last external health signal is
// older than the rebind timeout (or was never seen).
func (e *Engine) socketUnhealthy() bool {
	if e.sock == nil {
		return true
	}
	if e.sock.IsStale() {
		return true
	}
	return timedOut(e.lastHealth, e.cfg.RebindTimeout)
}

func (e *Engine) rebind() error {
	if e.factory == nil {
		return fmt.Errorf("%w: no socket factory", coreerrors.ErrIO)
	}
	newSock, err := e.factory.NewSocket(nil)
	if err != nil {
		return fmt.Errorf("%w: new socket: %v", coreerrors.ErrIO, err)
	}

	if e.sock != nil {
		if e.reactor != nil {
			_ = e.reactor.Unregister(e.sock.Fd())
		}
		_ = e.sock.Close()
	}
	e.sock = newSock
	if e.reactor != nil {
		if err := e.reactor.RegisterSocket(newSock.Fd(), e.OnSocketReadable); err != nil {
			return fmt.Errorf("%w: register socket fd: %v", coreerrors.ErrIO, err)
		}
	}
	return nil
}

// ShowInfo renders a human-readable status line for the control socket.
func (e *Engine) ShowInfo() string {
	local := netip.AddrPort{}
	if e.sock != nil {
		local = e.sock.LocalAddr()
	}
	return fmt.Sprintf(
		"role=server local=%s vip4=%s vip6=%s vas=%d ras=%d last_rebind_age=%s",
		local, prefixOrNone(e.cfg.LocalIPv4), prefixOrNone(e.cfg.LocalIPv6),
		e.routes.VACount(), e.routes.RACount(), age(e.lastRebind),
	)
}

// ChangeServer is not meaningful on the server role.
func (e *Engine) ChangeServer(string) string {
	return "change-server: not applicable on server role"
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
