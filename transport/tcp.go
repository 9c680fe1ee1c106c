// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport owns the raw TCP plumbing the meta protocol runs
// over: accepting inbound connections and dialing outbound ones.
// internal/meta.Connection takes it from there — everything past the
// net.Conn handshake and framing lives in that package instead.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/vpnmesh/meshd/lib/netutil"
)

// Listener accepts inbound TCP connections carrying the meta-protocol
// handshake (spec.md §4.5). This is meshd's only supported transport:
// direct TCP reachability between hosts. NAT traversal is out of scope
// (spec.md Non-goals).
type Listener struct {
	listener net.Listener
}

// NewListener binds address, e.g. ":655" for the default meta port or
// ":0" for a random port in tests.
func NewListener(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: ln}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called,
// handing each raw net.Conn to accept. accept must not block — it is
// expected to hand the connection to a meta.Connection and return, the
// same way a per-connection goroutine gets started elsewhere in this
// codebase.
func (l *Listener) Serve(ctx context.Context, accept func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			// Close (above, or a direct caller of Listener.Close) can race
			// ctx.Done() becoming observable, so treat the error itself as
			// authoritative rather than depending on which one we notice
			// first.
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		accept(conn)
	}
}

// Address returns the bound address in "host:port" form.
func (l *Listener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener, causing a blocked Serve to return.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dialer opens outgoing TCP connections to peer daemons, used by
// internal/daemon's reconnect logic.
type Dialer struct {
	// Timeout bounds a single dial attempt. Zero means no dialer-level
	// timeout beyond whatever deadline ctx already carries.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
