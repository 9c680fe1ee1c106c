// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/vpnmesh/meshd/internal/errs"
)

// DefaultSocketPath is where meshd listens for control-channel
// connections when no override is configured (spec.md §4.6).
const DefaultSocketPath = "/run/meshd/meshd.control"

// Server owns the control channel's Unix-domain listener and the
// goroutine-per-session fan-out into hooks. One Server per running
// daemon, started after the dataplane and meta listeners are up.
type Server struct {
	socketPath string
	hooks      Hooks
	logger     *slog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
}

// NewServer prepares a Server bound to socketPath. Call Serve to
// start accepting.
func NewServer(socketPath string, hooks Hooks, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath: socketPath,
		hooks:      hooks,
		logger:     logger,
	}
}

// Serve removes any stale socket, binds socketPath at mode 0600 (only
// the owning user may even open(2) it; peerUID double-checks this at
// the protocol layer since a root admin or a misconfigured umask could
// otherwise widen access), and accepts connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return errs.New(errs.KindIO, "control.Serve", fmt.Errorf("resolving %s: %w", s.socketPath, err))
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return errs.New(errs.KindIO, "control.Serve", fmt.Errorf("listening on %s: %w", s.socketPath, err))
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return errs.New(errs.KindIO, "control.Serve", fmt.Errorf("chmod %s: %w", s.socketPath, err))
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.New(errs.KindIO, "control.Serve", err)
			}
		}
		go s.handleSession(ctx, conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	return os.Remove(s.socketPath)
}

func (s *Server) handleSession(ctx context.Context, conn *net.UnixConn) {
	sessionID := uuid.New().String()
	defer conn.Close()

	uid, err := peerUID(conn)
	if err != nil {
		s.logDebug("control session rejected: peer credential lookup failed", "session", sessionID, "error", err)
		return
	}
	if uid != uint32(os.Getuid()) {
		s.logDebug("control session rejected: wrong uid", "session", sessionID, "peer_uid", uid)
		return
	}

	greeting, err := Encode(VerbControl, ProtocolVersion, fmt.Sprintf("%d", os.Getpid()))
	if err != nil {
		return
	}
	if _, err := conn.Write(greeting); err != nil {
		return
	}

	reader := bufio.NewReaderSize(conn, MaxLineLength+1)
	raw, err := readLine(reader)
	if err != nil {
		return
	}
	req, err := Decode(raw)
	if err != nil || req.Verb != VerbControl || len(req.Args) != 1 || req.Args[0] != Magic {
		s.logDebug("control session rejected: bad greeting", "session", sessionID)
		return
	}

	s.logDebug("control session established", "session", sessionID)

	for {
		raw, err := readLine(reader)
		if err != nil {
			return
		}
		req, err := Decode(raw)
		if err != nil {
			conn.Write(errorLine(err))
			continue
		}

		if IsDump(req.Verb) {
			lines, err := dumpLines(req, s.hooks)
			if err != nil {
				conn.Write(errorLine(err))
				continue
			}
			if err := writeDump(conn, lines); err != nil {
				return
			}
			continue
		}

		resp, err := handle(req, s.hooks)
		if err != nil {
			conn.Write(errorLine(err))
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}

		if req.Verb == VerbStop {
			return
		}
	}
}

// writeDump writes a dump block, compressing the whole body when it
// exceeds compressThreshold rather than compressing line-by-line.
func writeDump(conn net.Conn, lines [][]byte) error {
	var body []byte
	for _, l := range lines {
		body = append(body, l...)
	}

	header, payload, compressed, err := maybeCompress(body)
	if err != nil {
		return err
	}
	if compressed {
		if _, err := conn.Write(header); err != nil {
			return err
		}
	}
	_, err = conn.Write(payload)
	return err
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
