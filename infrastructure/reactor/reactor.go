//go:build linux

// Package reactor implements the single-threaded cooperative event loop
// that drives both engines: one epoll set over the TUN fd, the socket fd,
// an optional control fd, and an optional exit fd.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"minivtun/application"
)

// maxWait bounds a single epoll_wait call so keepalive() always gets a
// chance to run at least this often even under total silence.
const maxWait = 2 * time.Second

// Handler reacts to one fd becoming readable. A returned error is logged
// and swallowed; it never stops the reactor. Declared as an alias (not a
// named type) so *Reactor's Register methods satisfy interfaces that
// declare the handler parameter as a plain func() error, such as the
// engines' reactorFds, without importing this package.
type Handler = func() error

// fdRole fixes the per-tick dispatch order: tun first, then socket, then
// control. Readiness order reported by epoll is not used for dispatch.
type fdRole int

const (
	roleTun fdRole = iota
	roleSocket
	roleControl
)

var dispatchOrder = [...]fdRole{roleTun, roleSocket, roleControl}

type fdEntry struct {
	role fdRole
	fn   Handler
}

// Reactor multiplexes a fixed set of fds with epoll and calls keepalive
// once per cycle before dispatching any ready handler.
type Reactor struct {
	epfd      int
	logger    application.Logger
	keepalive func()
	handlers  map[int]fdEntry
	exitFd    int
	hasExit   bool
}

// New creates an epoll instance. Call the Register* method matching each
// fd's role, then Run.
func New(logger application.Logger, keepalive func()) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		logger:    logger,
		keepalive: keepalive,
		handlers:  make(map[int]fdEntry),
	}, nil
}

// RegisterTun arms the TUN device fd. TUN handlers dispatch first in every
// tick.
func (r *Reactor) RegisterTun(fd int, handler Handler) error {
	return r.register(fd, roleTun, handler)
}

// RegisterSocket arms the datagram socket fd. Socket handlers dispatch
// after TUN and before control.
func (r *Reactor) RegisterSocket(fd int, handler Handler) error {
	return r.register(fd, roleSocket, handler)
}

// RegisterControl arms the control listener fd. Control handlers dispatch
// last.
func (r *Reactor) RegisterControl(fd int, handler Handler) error {
	return r.register(fd, roleControl, handler)
}

func (r *Reactor) register(fd int, role fdRole, handler Handler) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	r.handlers[fd] = fdEntry{role: role, fn: handler}
	return nil
}

// Unregister removes fd from the epoll set, e.g. on rebind when the old
// socket fd is replaced.
func (r *Reactor) Unregister(fd int) error {
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// SetExitFd designates fd as the exit signal: once it becomes readable,
// Run returns nil.
func (r *Reactor) SetExitFd(fd int) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add exit fd=%d: %w", fd, err)
	}
	r.exitFd = fd
	r.hasExit = true
	return nil
}

// Run blocks, dispatching ready handlers, until the exit fd fires. Each
// cycle waits at most maxWait, then runs keepalive unconditionally, then
// dispatches the ready handlers in fixed role order (tun, socket,
// control) regardless of the order epoll reported them. It returns nil on
// a clean exit signal.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, len(r.handlers)+4)
	for {
		n, err := unix.EpollWait(r.epfd, events, int(maxWait/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if r.hasExit && int(events[i].Fd) == r.exitFd {
				return nil
			}
		}

		r.keepalive()

		for _, role := range dispatchOrder {
			for i := 0; i < n; i++ {
				entry, ok := r.handlers[int(events[i].Fd)]
				if !ok || entry.role != role || entry.fn == nil {
					continue
				}
				if err := entry.fn(); err != nil {
					r.logger.Printf("reactor: handler for fd=%d: %v", int(events[i].Fd), err)
				}
			}
		}
	}
}

// Close releases the epoll fd itself. Registered fds are owned by the
// caller and are not closed here.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
