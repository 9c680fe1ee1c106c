// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/vpnmesh/meshd/internal/topology"
	"github.com/vpnmesh/meshd/lib/testutil"
)

type fakeHooks struct {
	reg          *topology.Registry
	stopped      bool
	reloaded     bool
	purged       bool
	retried      bool
	debugLevel   int
	failNextStop bool
}

func (f *fakeHooks) Stop() error {
	if f.failNextStop {
		return fmt.Errorf("stop failed")
	}
	f.stopped = true
	return nil
}
func (f *fakeHooks) Reload() error                  { f.reloaded = true; return nil }
func (f *fakeHooks) Purge() error                    { f.purged = true; return nil }
func (f *fakeHooks) Retry() error                    { f.retried = true; return nil }
func (f *fakeHooks) SetDebug(level int) error        { f.debugLevel = level; return nil }
func (f *fakeHooks) Registry() RegistryView          { return f.reg }

func newFakeHooks() *fakeHooks {
	reg := topology.New(nil, "gw-ams")
	reg.AddNode("gw-fra", "fp1", netip.AddrPort{})
	reg.AddEdge("gw-ams", "gw-fra", 1, 0)
	reg.AddSubnet("gw-fra", netip.MustParsePrefix("10.0.2.0/24"))
	return &fakeHooks{reg: reg}
}

func startTestServer(t *testing.T, hooks *fakeHooks) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(testutil.SocketDir(t), "control.sock")
	srv := NewServer(socketPath, hooks, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("unix", socketPath); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return socketPath, func() {
		cancel()
		srv.Close()
		<-done
	}
}

func dialAndGreet(t *testing.T, socketPath string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	r := bufio.NewReaderSize(conn, MaxLineLength+1)

	greeting, err := readLine(r)
	if err != nil {
		t.Fatalf("reading server greeting: %v", err)
	}
	req, err := Decode(greeting)
	if err != nil || req.Verb != VerbControl {
		t.Fatalf("unexpected greeting %q", greeting)
	}

	magicLine, err := Encode(VerbControl, Magic)
	if err != nil {
		t.Fatalf("Encode magic: %v", err)
	}
	if _, err := conn.Write(magicLine); err != nil {
		t.Fatalf("writing magic: %v", err)
	}
	return conn, r
}

func TestServerGreetingAndMagicHandshake(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	conn, r := dialAndGreet(t, socketPath)
	defer conn.Close()

	line, err := Encode(VerbRetry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write RETRY: %v", err)
	}
	resp, err := readLine(r)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	req, err := Decode(resp)
	if err != nil || req.Verb != VerbAck {
		t.Fatalf("response = %q, want ACK", resp)
	}
	if !hooks.retried {
		t.Error("RETRY should have called hooks.Retry")
	}
}

func TestServerRejectsBadMagic(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReaderSize(conn, MaxLineLength+1)
	if _, err := readLine(r); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}

	badLine, _ := Encode(VerbControl, "not-the-magic")
	conn.Write(badLine)

	// The server closes the connection without a reply on a bad magic.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed after a bad magic")
	}
}

func TestServerDumpNodesStreamsSentinel(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	conn, r := dialAndGreet(t, socketPath)
	defer conn.Close()

	line, _ := Encode(VerbDumpNodes)
	conn.Write(line)

	var lines []Request
	for {
		raw, err := readLine(r)
		if err != nil {
			t.Fatalf("reading dump line: %v", err)
		}
		req, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		lines = append(lines, req)
		if len(req.Args) == 1 && Verb(req.Args[0]) == VerbDumpNodes {
			break // sentinel
		}
	}
	if len(lines) != 3 { // gw-ams (self) + gw-fra + sentinel
		t.Fatalf("got %d lines (including sentinel), want 3", len(lines))
	}
	if lines[1].Args[1] != "gw-fra" {
		t.Errorf("second dump line = %+v, want node gw-fra", lines[1])
	}
}

func TestServerRejectsWrongUID(t *testing.T) {
	// peerUID's SO_PEERCRED result always equals os.Getuid() for a
	// same-process dial, so this test exercises the comparison path
	// indirectly via TestServerGreetingAndMagicHandshake succeeding;
	// a genuine cross-UID rejection needs root/setuid fixtures this
	// suite doesn't have. Documented here rather than skipped silently.
	t.Skip("cross-UID rejection requires privilege this test environment lacks")
}
