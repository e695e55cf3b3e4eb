package client

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"minivtun/application"
	"minivtun/domain/cipher"
	"minivtun/domain/config"
	"minivtun/infrastructure/cryptography/aescbc"
	"minivtun/infrastructure/routing"
	"minivtun/presentation/server"
)

// pipeSocket is one end of an in-memory datagram link: SendTo delivers into
// the remote end's inbox and keeps a copy of the raw in-flight bytes so
// tests can inspect what actually crossed the wire.
type pipeSocket struct {
	local  netip.AddrPort
	peer   netip.AddrPort
	remote *pipeSocket
	inbox  []fakeDatagram
	wire   [][]byte
}

func newPipePair() (*pipeSocket, *pipeSocket) {
	a := &pipeSocket{local: netip.MustParseAddrPort("127.0.0.1:40001")}
	b := &pipeSocket{local: netip.MustParseAddrPort("127.0.0.1:40002")}
	a.remote, b.remote = b, a
	return a, b
}

func (s *pipeSocket) Connect(dst netip.AddrPort) error { s.peer = dst; return nil }

func (s *pipeSocket) Send(buf []byte) (int, error) { return s.SendTo(buf, s.peer) }

func (s *pipeSocket) SendTo(buf []byte, dst netip.AddrPort) (int, error) {
	cp := append([]byte(nil), buf...)
	s.wire = append(s.wire, cp)
	s.remote.inbox = append(s.remote.inbox, fakeDatagram{data: cp, addr: s.local})
	return len(buf), nil
}

func (s *pipeSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if len(s.inbox) == 0 {
		return 0, netip.AddrPort{}, nil
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(buf, d.data), d.addr, nil
}

func (s *pipeSocket) LocalAddr() netip.AddrPort     { return s.local }
func (s *pipeSocket) PeerAddr() netip.AddrPort      { return s.peer }
func (s *pipeSocket) SetNonblocking(bool) error     { return nil }
func (s *pipeSocket) Fd() int                       { return -1 }
func (s *pipeSocket) Close() error                  { return nil }
func (s *pipeSocket) IsStale() bool                 { return false }
func (s *pipeSocket) LastHealth() (time.Time, bool) { return time.Time{}, false }

var _ application.Socket = (*pipeSocket)(nil)

// runTunnel wires a client engine and a server engine over an in-memory
// link, lets the client announce itself via echo, then injects packet at
// the client's TUN and returns what emerged at the server's TUN plus every
// raw datagram that crossed the link.
func runTunnel(t *testing.T, capability cipher.Capability, packet []byte) (emerged [][]byte, inflight [][]byte) {
	t.Helper()

	clientSock, serverSock := newPipePair()
	clientSock.peer = serverSock.local

	clientCfg := testConfig(t, serverSock.local.String())
	clientDev := &fakeDevice{queue: [][]byte{packet}}
	c := New(clientCfg, clientDev, &fakeFactory{}, capability, newFakeReactor(), &fakeLogger{})
	c.sock = clientSock
	c.lastConnect = time.Now()

	serverCfg := config.Configuration{
		MTU:                   1400,
		LocalIPv4:             netip.MustParsePrefix("10.0.0.1/24"),
		ClientLivenessTimeout: time.Minute,
		RebindTimeout:         time.Minute,
	}
	serverDev := &fakeDevice{}
	routes := routing.NewTable(nil, nil)
	s := server.New(serverCfg, serverDev, serverSock, nil, capability, routes, application.NewStatsMap(), nil, &fakeLogger{})

	// Client announces its VIP; server learns the binding and acks.
	c.Keepalive()
	if err := s.OnSocketReadable(); err != nil {
		t.Fatalf("server echo handling: %v", err)
	}
	if err := c.OnSocketReadable(); err != nil {
		t.Fatalf("client ack handling: %v", err)
	}
	if c.lastAck.IsZero() {
		t.Fatalf("expected the echo ack to register as liveness")
	}

	// Now the data packet crosses the tunnel.
	if err := c.OnTunReadable(); err != nil {
		t.Fatalf("client forward: %v", err)
	}
	if err := s.OnSocketReadable(); err != nil {
		t.Fatalf("server decapsulate: %v", err)
	}

	inflight = append(inflight, clientSock.wire...)
	inflight = append(inflight, serverSock.wire...)
	return serverDev.sent, inflight
}

func ipv4Packet(src, dst string) []byte {
	s := netip.MustParseAddr(src).As4()
	d := netip.MustParseAddr(dst).As4()
	pkt := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 64, 0x11, 0, 0}
	pkt = append(pkt, s[:]...)
	pkt = append(pkt, d[:]...)
	return pkt
}

func TestTunnelForwardsIPv4Plaintext(t *testing.T) {
	packet := ipv4Packet("10.0.0.2", "10.0.0.1")
	emerged, _ := runTunnel(t, nil, packet)

	if len(emerged) != 1 {
		t.Fatalf("server tun writes = %d, want exactly 1", len(emerged))
	}
	if !bytes.Equal(emerged[0], packet) {
		t.Fatalf("emerged packet = %x, want %x", emerged[0], packet)
	}
}

func TestTunnelForwardsIPv4AES128(t *testing.T) {
	capability, err := aescbc.New(aescbc.AES128, "test")
	if err != nil {
		t.Fatalf("aescbc.New: %v", err)
	}

	packet := ipv4Packet("10.0.0.2", "10.0.0.1")
	emerged, inflight := runTunnel(t, capability, packet)

	if len(emerged) != 1 {
		t.Fatalf("server tun writes = %d, want exactly 1", len(emerged))
	}
	if !bytes.Equal(emerged[0], packet) {
		t.Fatalf("emerged packet = %x, want %x", emerged[0], packet)
	}
	for i, d := range inflight {
		if bytes.Contains(d, packet) {
			t.Fatalf("in-flight datagram %d carries the plaintext packet", i)
		}
	}
}
