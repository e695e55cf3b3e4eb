//go:build linux

// Package rendezvous implements the Socket and SocketFactory used in
// rendezvous mode: a socket that looks like any other, plus a staleness
// signal driven by a background keepalive goroutine. No rendezvous protocol
// is implemented here: no hole is punched and no message is exchanged with
// the configured rendezvous servers. The keepalive goroutine is bound to the
// caller's context and communicates with the single-threaded core only
// through an atomically-read timestamp.
package rendezvous

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"minivtun/application"
	"minivtun/domain/config"
	"minivtun/infrastructure/network/socket"
)

// staleAfter is the liveness window: a rendezvous-mediated socket is stale
// once this long has passed without a keepalive from the service.
const staleAfter = 60 * time.Second

// Socket wraps a direct UDP socket with a last-keepalive timestamp written
// by the factory's keepalive goroutine.
type Socket struct {
	*socket.UDPSocket
	lastKeepaliveUnixNano atomic.Int64
}

func (s *Socket) IsStale() bool {
	last := s.lastKeepaliveUnixNano.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > staleAfter
}

func (s *Socket) LastHealth() (time.Time, bool) {
	last := s.lastKeepaliveUnixNano.Load()
	if last == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, last), true
}

func (s *Socket) noteKeepalive(now time.Time) {
	s.lastKeepaliveUnixNano.Store(now.UnixNano())
}

var _ application.Socket = (*Socket)(nil)

// Factory binds a direct UDP socket (same bind rules as
// socket.DirectFactory) and starts a keepalive goroutine for it. It does
// not contact the rendezvous service, punch a hole, or treat the server
// and client roles differently beyond passing isServer to the keepalive.
type Factory struct {
	ctx       context.Context
	cfg       config.RendezvousConfig
	isServer  bool
	inner     *socket.DirectFactory
	keepalive func(ctx context.Context, sock *Socket, cfg config.RendezvousConfig, isServer bool) error
}

// NewFactory builds a rendezvous-mediated SocketFactory. ctx bounds the
// lifetime of the background keepalive goroutine it spawns per socket.
func NewFactory(ctx context.Context, cfg config.RendezvousConfig, isServer bool, fwmark int, hasFWMark bool) *Factory {
	return &Factory{
		ctx:       ctx,
		cfg:       cfg,
		isServer:  isServer,
		inner:     socket.NewDirectFactory(fwmark, hasFWMark),
		keepalive: runKeepalive,
	}
}

func (f *Factory) NewSocket(targets []netip.AddrPort) (application.Socket, error) {
	direct, err := f.inner.NewSocket(targets)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: punch hole: %w", err)
	}
	udp, ok := direct.(*socket.UDPSocket)
	if !ok {
		return nil, fmt.Errorf("rendezvous: unexpected inner socket type %T", direct)
	}

	sock := &Socket{UDPSocket: udp}

	group, ctx := errgroup.WithContext(f.ctx)
	group.Go(func() error {
		return f.keepalive(ctx, sock, f.cfg, f.isServer)
	})

	return sock, nil
}

var _ application.SocketFactory = (*Factory)(nil)

// runKeepalive records a keepalive time on sock immediately and then every
// 20 seconds until ctx is canceled. It sends nothing to the rendezvous
// servers; with none configured it returns an error at once and never
// records a time, so sock stays stale.
func runKeepalive(ctx context.Context, sock *Socket, cfg config.RendezvousConfig, isServer bool) error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("rendezvous: no servers configured")
	}

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	sock.noteKeepalive(time.Now())

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			// Every tick refreshes the timestamp unconditionally, so
			// IsStale() stays false while this goroutine runs.
			sock.noteKeepalive(now)
		}
	}
}
