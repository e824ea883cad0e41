// Package controlsocket implements the local UNIX-domain control
// socket (spec §4.6, component C9): a line-oriented command protocol
// returning one JSON line per request, used by filmonctl and any other
// local peer.
//
// The accept-loop-with-bounded-timeout shape, and the use of
// golang.org/x/sys/unix for a low-level socket primitive the standard
// library doesn't expose, follows the teacher's device_select.go
// (unix.Poll/unix.SetNonblock against a raw fd); here the same package
// provides SO_PEERCRED so the server can log which local uid reached
// it.
package controlsocket

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hyiger/filament-monitor/internal/events"
	"github.com/hyiger/filament-monitor/internal/monitorstate"
)

const (
	acceptTimeout = 500 * time.Millisecond
	ioTimeout     = 2 * time.Second
	maxLineBytes  = 4096
)

// Handler is the subset of *monitor.Monitor the socket server needs.
type Handler interface {
	HandleCommand(cmd string) error
	Snapshot() monitorstate.State
}

// Server accepts connections on a UNIX-domain socket and answers
// newline-terminated commands with one JSON line each.
type Server struct {
	path    string
	version string
	handler Handler
	emit    *events.Emitter

	ln     *net.UnixListener
	stopped atomic.Bool
}

// New prepares a Server bound to path; the socket itself is opened by
// Serve so construction can never block.
func New(path, version string, handler Handler, emit *events.Emitter) *Server {
	return &Server{path: path, version: version, handler: handler, emit: emit}
}

// Serve removes any stale socket file, creates the parent directory on
// demand, binds, and accepts connections until Stop is called or the
// listener errors. It is meant to run in its own goroutine.
func (s *Server) Serve() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		s.emit.Emit("control_socket_error", events.F("error", err.Error()))
		return err
	}
	if err := os.Chmod(s.path, 0o660); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	s.emit.Emit("control_socket_started", events.F("path", s.path))

	for {
		if s.stopped.Load() {
			return nil
		}
		s.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.stopped.Load() {
				return nil
			}
			s.emit.Emit("control_socket_error", events.F("error", err.Error()))
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop marks the server stopped and closes the listener, unblocking
// Serve's accept loop within acceptTimeout.
func (s *Server) Stop() {
	s.stopped.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
}

type response struct {
	OK      bool                `json:"ok"`
	Error   string              `json:"error,omitempty"`
	State   *monitorstate.State `json:"state,omitempty"`
	Version string              `json:"version,omitempty"`
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	if cred, err := peerCred(conn); err == nil {
		s.emit.Emit("control_socket_peer", events.F("uid", int(cred.Uid)), events.F("pid", int(cred.Pid)))
	}

	conn.SetDeadline(time.Now().Add(ioTimeout))
	r := bufio.NewReaderSize(conn, maxLineBytes)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		if !errors.Is(err, io.EOF) {
			s.emit.Emit("control_socket_error", events.F("error", err.Error()))
		}
		return
	}
	cmd := strings.ToLower(strings.TrimSpace(line))

	resp := s.dispatch(cmd)
	enc, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.SetDeadline(time.Now().Add(ioTimeout))
	conn.Write(append(enc, '\n'))
}

func (s *Server) dispatch(cmd string) response {
	if cmd == "status" || cmd == "state" {
		snap := s.handler.Snapshot()
		return response{OK: true, State: &snap, Version: s.version}
	}
	if err := s.handler.HandleCommand(cmd); err != nil {
		return response{OK: false, Error: "unknown command: " + cmd}
	}
	return response{OK: true}
}

func peerCred(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	return cred, credErr
}
