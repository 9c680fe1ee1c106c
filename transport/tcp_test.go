// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/vpnmesh/meshd/lib/testutil"
)

func TestListenerAddress(t *testing.T) {
	listener, err := NewListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewListener() error: %v", err)
	}
	defer listener.Close()

	address := listener.Address()
	if address == "" {
		t.Error("Address() returned empty string")
	}
	if !strings.Contains(address, ":") {
		t.Errorf("Address() = %q, expected host:port format", address)
	}
}

func TestListenerAcceptsConnections(t *testing.T) {
	listener, err := NewListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go listener.Serve(ctx, func(conn net.Conn) {
		accepted <- conn
	})

	dialer := &Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext() error: %v", err)
	}
	defer conn.Close()

	server := testutil.RequireReceive(t, accepted, 5*time.Second, "Serve() never invoked accept")
	defer server.Close()
}

func TestListenerContextCancellation(t *testing.T) {
	listener, err := NewListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, func(net.Conn) {})
	}()

	cancel()

	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve() did not return after context cancellation"); err != nil {
		t.Errorf("Serve() returned error: %v", err)
	}
}

func TestDialerConnectionRefused(t *testing.T) {
	dialer := &Dialer{Timeout: time.Second}

	// Port 1 is almost certainly not listening.
	_, err := dialer.DialContext(context.Background(), "127.0.0.1:1")
	if err == nil {
		t.Error("expected error connecting to non-listening port")
	}
}

func TestDialerContextCancellation(t *testing.T) {
	dialer := &Dialer{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately.

	_, err := dialer.DialContext(ctx, "127.0.0.1:1")
	if err == nil {
		t.Error("expected error with cancelled context")
	}
}
