// Command minivtun is a thin front end over the core: it parses a handful
// of flags, loads a JSON configuration, wires the concrete infrastructure
// implementations behind the core's capability interfaces, and runs the
// reactor until the exit signal. Richer CLI parsing belongs to an outer
// layer; this front end only needs a config path.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"minivtun/application"
	"minivtun/domain/cipher"
	"minivtun/domain/config"
	"minivtun/infrastructure/control"
	"minivtun/infrastructure/cryptography/aescbc"
	"minivtun/infrastructure/logging"
	"minivtun/infrastructure/network/socket"
	"minivtun/infrastructure/reactor"
	"minivtun/infrastructure/rendezvous"
	"minivtun/infrastructure/routing"
	"minivtun/infrastructure/tun"
	"minivtun/presentation/client"
	"minivtun/presentation/server"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: minivtun -config <path>")
		os.Exit(1)
	}

	if err := run(*configPath); err != nil {
		log.Printf("minivtun: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cfg config.Configuration
	if err := cfg.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger := logging.NewWithPrefix(cfg.IfName)

	var capability cipher.Capability
	if cfg.Cipher.Enabled() {
		logger.Printf("minivtun: %s", aescbc.Warning)
		capability, err = aescbc.New(aescbc.Kind(cfg.Cipher.Kind), cfg.Cipher.Secret)
		if err != nil {
			return fmt.Errorf("build cipher: %w", err)
		}
	}

	device, err := tun.Open(cfg.IfName)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	defer func() { _ = device.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("create exit eventfd: %w", err)
	}
	defer func() { _ = unix.Close(exitFd) }()
	go watchSignals(exitFd, cancel)

	isServer := cfg.Role() == config.RoleServer

	// keepalive is bound to the owning engine's Keepalive method only once
	// that engine exists below; the reactor itself is created first so
	// runServer/runClient can register fds on it.
	keepalive := &keepaliveSlot{}
	r, err := reactor.New(logger, keepalive.run)
	if err != nil {
		return fmt.Errorf("create reactor: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := r.SetExitFd(exitFd); err != nil {
		return fmt.Errorf("register exit fd: %w", err)
	}

	factory := newSocketFactory(ctx, cfg, isServer)

	if isServer {
		return runServer(r, keepalive, device, factory, capability, cfg, logger)
	}
	return runClient(r, keepalive, device, factory, capability, cfg, logger)
}

// keepaliveSlot lets main.run wire the reactor to an engine's Keepalive
// method that does not exist yet when the reactor is constructed.
type keepaliveSlot struct {
	fn func()
}

func (k *keepaliveSlot) run() {
	if k.fn != nil {
		k.fn()
	}
}

func newSocketFactory(ctx context.Context, cfg config.Configuration, isServer bool) application.SocketFactory {
	if !cfg.Rendezvous.IsZero() {
		return rendezvous.NewFactory(ctx, cfg.Rendezvous, isServer, cfg.FirewallMark, cfg.HasFWMark)
	}
	direct := socket.NewDirectFactory(cfg.FirewallMark, cfg.HasFWMark)
	if isServer {
		direct.BindPort = serverBindPort(cfg)
	}
	return direct
}

// serverBindPort extracts the listen port from BindAddr, falling back to 0
// (kernel-assigned) if unparsable or unset. A ranged bind address binds
// its low port; walking a port range only makes sense for connect-side
// entries.
func serverBindPort(cfg config.Configuration) int {
	if cfg.BindAddr == "" {
		return 0
	}
	host, err := config.ParseHost(cfg.BindAddr)
	if err != nil {
		return 0
	}
	return host.PortLow()
}

func watchSignals(exitFd int, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(exitFd, one[:])
}

func runServer(r *reactor.Reactor, keepalive *keepaliveSlot, device *tun.Device, factory application.SocketFactory, capability cipher.Capability, cfg config.Configuration, logger application.Logger) error {
	sock, err := factory.NewSocket(nil)
	if err != nil {
		return fmt.Errorf("bind server socket: %w", err)
	}
	defer func() { _ = sock.Close() }()

	table := routing.NewTable(cfg.Routes, logger)
	stats := application.NewStatsMap()
	engine := server.New(cfg, device, sock, factory, capability, table, stats, r, logger)
	keepalive.fn = engine.Keepalive

	if err := r.RegisterSocket(sock.Fd(), engine.OnSocketReadable); err != nil {
		return fmt.Errorf("register socket fd: %w", err)
	}
	if err := r.RegisterTun(device.Fd(), engine.OnTunReadable); err != nil {
		return fmt.Errorf("register tun fd: %w", err)
	}

	ctrl, err := startControl(r, cfg, logger, engine)
	if err != nil {
		return err
	}
	if ctrl != nil {
		defer func() { _ = ctrl.Close() }()
	}

	return r.Run()
}

func runClient(r *reactor.Reactor, keepalive *keepaliveSlot, device *tun.Device, factory application.SocketFactory, capability cipher.Capability, cfg config.Configuration, logger application.Logger) error {
	engine := client.New(cfg, device, factory, capability, r, logger)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	keepalive.fn = engine.Keepalive

	if err := r.RegisterTun(device.Fd(), engine.OnTunReadable); err != nil {
		return fmt.Errorf("register tun fd: %w", err)
	}

	ctrl, err := startControl(r, cfg, logger, engine)
	if err != nil {
		return err
	}
	if ctrl != nil {
		defer func() { _ = ctrl.Close() }()
	}

	return r.Run()
}

// startControl registers the control listener's fd with the reactor so
// HandleAccept runs on the same single thread as every other handler. No
// goroutine of its own.
func startControl(r *reactor.Reactor, cfg config.Configuration, logger application.Logger, handler control.Handler) (*control.Server, error) {
	if cfg.ControlBaseDir == "" {
		return nil, nil
	}
	srv, err := control.Listen(cfg.ControlBaseDir, cfg.IfName, logger, handler)
	if err != nil {
		return nil, fmt.Errorf("start control socket: %w", err)
	}
	if err := r.RegisterControl(srv.Fd(), srv.HandleAccept); err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("register control fd: %w", err)
	}
	return srv, nil
}
