//go:build linux

// Package control implements the client/server control endpoint: a Unix
// domain socket at <basedir>/<ifname>.sock accepting one newline-terminated
// text command per connection. Its listener fd is one of the fds the single
// reactor multiplexes; Server has no goroutine of its own, so Handler's
// ShowInfo/ChangeServer always run on the same thread as
// Keepalive/OnSocketReadable/OnTunReadable and need no locking.
package control

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"minivtun/application"
)

// Server owns a non-blocking Unix domain listening socket. HandleAccept is
// registered with the reactor as the handler for Fd(); it accepts and fully
// serves one connection per invocation.
type Server struct {
	fd      int
	path    string
	logger  application.Logger
	handler Handler
}

// Listen creates the socket at <baseDir>/<ifName>.sock, removing any stale
// file left behind by a previous run.
func Listen(baseDir, ifName string, logger application.Logger, handler Handler) (*Server, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("control: mkdir %s: %w", baseDir, err)
	}
	path := filepath.Join(baseDir, ifName+".sock")
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("control: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control: set nonblocking: %w", err)
	}

	return &Server{fd: fd, path: path, logger: logger, handler: handler}, nil
}

// Fd is the listening socket's fd, registered with the reactor's epoll set.
func (s *Server) Fd() int { return s.fd }

// Path returns the socket's filesystem path.
func (s *Server) Path() string { return s.path }

// HandleAccept accepts one pending connection and serves it to completion
// (read one command line, dispatch, write the reply, close) before
// returning control to the reactor. A command protocol this small does not
// warrant splitting accept from read/write across reactor cycles.
func (s *Server) HandleAccept() error {
	connFd, _, err := unix.Accept(s.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return fmt.Errorf("control: accept: %w", err)
	}

	conn := os.NewFile(uintptr(connFd), "control-conn")
	defer func() { _ = conn.Close() }()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil
	}
	line = strings.TrimSpace(line)

	reply := s.dispatch(line)
	if !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	if _, err := conn.Write([]byte(reply)); err != nil {
		s.logger.Printf("control: write reply: %v", err)
	}
	return nil
}

func (s *Server) dispatch(line string) string {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var arg string
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case CmdShowInfo:
		return s.handler.ShowInfo()
	case CmdChangeServer:
		return s.handler.ChangeServer(arg)
	default:
		return fmt.Sprintf("Unknown command: %s", line)
	}
}

// Close closes the listening socket and removes the socket file.
func (s *Server) Close() error {
	err := unix.Close(s.fd)
	_ = os.Remove(s.path)
	return err
}
