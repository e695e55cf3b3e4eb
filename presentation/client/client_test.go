package client

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"minivtun/application"
	"minivtun/domain/config"
	"minivtun/domain/wire"
	"minivtun/infrastructure/codec"
)

type fakeDevice struct {
	queue [][]byte
	sent  [][]byte
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if len(d.queue) == 0 {
		return 0, nil
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]
	return copy(p, pkt), nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	d.sent = append(d.sent, cp)
	return len(p), nil
}

func (d *fakeDevice) Close() error { return nil }
func (d *fakeDevice) Fd() int      { return -1 }

type fakeDatagram struct {
	data []byte
	addr netip.AddrPort
}

type fakeSocket struct {
	id     int
	inbox  []fakeDatagram
	sent   []fakeDatagram
	local  netip.AddrPort
	peer   netip.AddrPort
	stale  bool
	closed bool
}

func (s *fakeSocket) Connect(dst netip.AddrPort) error { s.peer = dst; return nil }

func (s *fakeSocket) Send(buf []byte) (int, error) { return s.SendTo(buf, s.peer) }

func (s *fakeSocket) SendTo(buf []byte, dst netip.AddrPort) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.sent = append(s.sent, fakeDatagram{data: cp, addr: dst})
	return len(buf), nil
}

func (s *fakeSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if len(s.inbox) == 0 {
		return 0, netip.AddrPort{}, nil
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(buf, d.data), d.addr, nil
}

func (s *fakeSocket) LocalAddr() netip.AddrPort     { return s.local }
func (s *fakeSocket) PeerAddr() netip.AddrPort      { return s.peer }
func (s *fakeSocket) SetNonblocking(bool) error     { return nil }
func (s *fakeSocket) Fd() int                       { return s.id }
func (s *fakeSocket) Close() error                  { s.closed = true; return nil }
func (s *fakeSocket) IsStale() bool                 { return s.stale }
func (s *fakeSocket) LastHealth() (time.Time, bool) { return time.Time{}, false }

// fakeFactory hands out fakeSockets with a bind address family matching the
// first target, mirroring the real DirectFactory's bind-family rule.
type fakeFactory struct {
	nextID  int
	created []*fakeSocket
}

func (f *fakeFactory) NewSocket(targets []netip.AddrPort) (application.Socket, error) {
	f.nextID++
	local := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	if len(targets) > 0 && !targets[0].Addr().Is4() {
		local = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	s := &fakeSocket{id: f.nextID, local: local}
	f.created = append(f.created, s)
	return s, nil
}

type fakeLogger struct{ lines []string }

func (l *fakeLogger) Printf(format string, v ...any) { l.lines = append(l.lines, format) }

// fakeReactor tracks registered fds without driving any real polling.
type fakeReactor struct {
	registered map[int]func() error
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{registered: make(map[int]func() error)}
}

func (r *fakeReactor) RegisterSocket(fd int, handler func() error) error {
	r.registered[fd] = handler
	return nil
}

func (r *fakeReactor) Unregister(fd int) error {
	delete(r.registered, fd)
	return nil
}

var _ application.Device = (*fakeDevice)(nil)
var _ application.Socket = (*fakeSocket)(nil)
var _ application.SocketFactory = (*fakeFactory)(nil)
var _ application.Logger = (*fakeLogger)(nil)

func testConfig(t *testing.T, servers ...string) config.Configuration {
	t.Helper()
	b := config.NewBuilder().
		WithIfName("mv0").
		WithLocalIPv4(netip.MustParsePrefix("10.0.0.2/24")).
		WithKeepaliveInterval(10 * time.Millisecond).
		WithReconnectTimeout(20 * time.Millisecond).
		WithRebindTimeout(0)
	for _, s := range servers {
		b = b.AddServer(s)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	return cfg
}

func TestClientStartConnectsToFirstServer(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(factory.created) != 1 {
		t.Fatalf("sockets created = %d, want 1", len(factory.created))
	}
	if _, ok := reactor.registered[factory.created[0].id]; !ok {
		t.Fatalf("expected socket fd registered with reactor")
	}
}

func TestClientForwardsTunPacketOverSocket(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	packet := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 2, 10, 0, 0, 3}
	device := &fakeDevice{queue: [][]byte{packet}}
	e := New(cfg, device, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.OnTunReadable(); err != nil {
		t.Fatalf("OnTunReadable: %v", err)
	}

	sock := factory.created[0]
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sock.sent))
	}
	env, err := codec.Parse(sock.sent[0].data, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Op() != wire.OpIPData {
		t.Fatalf("op = %v, want OpIPData", env.Op())
	}
}

func TestClientWritesInboundIPDataToTun(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	device := &fakeDevice{}
	e := New(cfg, device, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	packet := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 8, 10, 0, 0, 2}
	payload := wire.IPDataPayload{Kind: wire.KindIPv4, Packet: packet}
	buf, err := codec.NewBuilder().WithOp(wire.OpIPData).WithSeq(1).WithPayload(payload.Marshal()).Build(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sock := factory.created[0]
	sock.inbox = append(sock.inbox, fakeDatagram{data: buf, addr: sock.peer})

	if err := e.OnSocketReadable(); err != nil {
		t.Fatalf("OnSocketReadable: %v", err)
	}
	if len(device.sent) != 1 {
		t.Fatalf("tun writes = %d, want 1", len(device.sent))
	}
}

func TestClientEchoAckCountsAsLiveness(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack := wire.EchoPayload{ID: 9}
	buf, err := codec.NewBuilder().WithOp(wire.OpEchoAck).WithSeq(1).WithPayload(ack.Marshal()).Build(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sock := factory.created[0]
	sock.inbox = append(sock.inbox, fakeDatagram{data: buf, addr: sock.peer})

	before := e.lastAck
	if err := e.OnSocketReadable(); err != nil {
		t.Fatalf("OnSocketReadable: %v", err)
	}
	if !e.lastAck.After(before) {
		t.Fatalf("expected lastAck to advance on echo ack")
	}
}

func TestClientReconnectsAfterTimeoutAndRotatesServers(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777", "198.51.100.2:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Force every liveness timestamp stale so Keepalive's reconnect branch
	// fires.
	e.lastAck = time.Now().Add(-time.Hour)
	e.lastRx = time.Now().Add(-time.Hour)
	e.lastConnect = time.Now().Add(-time.Hour)

	e.Keepalive()

	if e.serverIndex != 1 {
		t.Fatalf("serverIndex = %d, want 1 (rotated to second server)", e.serverIndex)
	}
	sock := factory.created[len(factory.created)-1]
	if sock.peer.Port() != 7777 {
		t.Fatalf("expected reconnect to have dialed a server")
	}
}

func TestClientRebindsOnFamilyChange(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777", "[2001:db8::1]:7777")
	cfg.Rebind = false
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstSock := factory.created[0]

	if err := e.rotateAndConnect(); err != nil {
		t.Fatalf("rotateAndConnect: %v", err)
	}

	if len(factory.created) != 2 {
		t.Fatalf("sockets created = %d, want 2 (rebind on family change)", len(factory.created))
	}
	if !firstSock.closed {
		t.Fatalf("expected old socket closed after rebind")
	}
	if _, ok := reactor.registered[firstSock.id]; ok {
		t.Fatalf("expected old socket fd unregistered after rebind")
	}
}

func TestClientWalksConfiguredPortRangeAcrossAttempts(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7000-7002")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sock := factory.created[0]
	if sock.peer.Port() != 7000 {
		t.Fatalf("first attempt port = %d, want 7000 (low bound)", sock.peer.Port())
	}

	// With a single server each rotation lands back on the same entry and
	// must advance to the next port in the range, wrapping after the high
	// bound.
	for _, want := range []uint16{7001, 7002, 7000} {
		if err := e.rotateAndConnect(); err != nil {
			t.Fatalf("rotateAndConnect: %v", err)
		}
		if e.sock.PeerAddr().Port() != want {
			t.Fatalf("attempt port = %d, want %d", e.sock.PeerAddr().Port(), want)
		}
	}
}

func TestClientChangeServerRotatesImmediately(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777", "198.51.100.2:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reply := e.ChangeServer("")
	if reply == "" {
		t.Fatalf("ChangeServer should return a non-empty reply")
	}
	if e.serverIndex != 1 {
		t.Fatalf("serverIndex = %d, want 1 after change-server", e.serverIndex)
	}
}

func TestClientStartFailsImmediatelyWithoutWaitForDNS(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})

	attempts := 0
	e.resolve = func(h config.Host, port int) (netip.AddrPort, error) {
		attempts++
		return netip.AddrPort{}, fmt.Errorf("lookup fail")
	}

	if err := e.Start(); err == nil {
		t.Fatalf("expected Start to fail when resolution fails and WaitForDNS is unset")
	}
	if attempts != 1 {
		t.Fatalf("resolve attempts = %d, want 1 (no retry without WaitForDNS)", attempts)
	}
}

func TestClientStartRetriesUntilDNSResolvesWhenWaitForDNSSet(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	cfg.WaitForDNS = true
	cfg.ReconnectTimeout = time.Millisecond
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	e := New(cfg, &fakeDevice{}, factory, nil, reactor, &fakeLogger{})

	attempts := 0
	want := netip.MustParseAddrPort("198.51.100.1:7777")
	e.resolve = func(h config.Host, port int) (netip.AddrPort, error) {
		attempts++
		if attempts < 3 {
			return netip.AddrPort{}, fmt.Errorf("lookup fail")
		}
		return want, nil
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("resolve attempts = %d, want 3", attempts)
	}
	if len(factory.created) != 1 {
		t.Fatalf("sockets created = %d, want 1", len(factory.created))
	}
}

func TestClientDropsTunPacketWithNoSocket(t *testing.T) {
	cfg := testConfig(t, "198.51.100.1:7777")
	factory := &fakeFactory{}
	reactor := newFakeReactor()
	packet := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 2, 10, 0, 0, 3}
	device := &fakeDevice{queue: [][]byte{packet}}
	e := New(cfg, device, factory, nil, reactor, &fakeLogger{})

	// No Start() call: e.sock stays nil, so the packet is dropped before
	// the first connect.
	if err := e.OnTunReadable(); err != nil {
		t.Fatalf("OnTunReadable: %v", err)
	}
	if len(factory.created) != 0 {
		t.Fatalf("expected no socket created")
	}
}
