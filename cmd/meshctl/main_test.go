// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/topology"
	"github.com/vpnmesh/meshd/lib/testutil"
)

// fakeHooks mirrors internal/observer's own test helper of the same
// name: a minimal control.Hooks satisfied entirely in memory, so these
// tests exercise a real control.Server rather than faking the wire
// protocol by hand. Duplicated rather than imported because the
// original is unexported to its own package.
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
		return errors.New("stop failed")
	}
	f.stopped = true
	return nil
}
func (f *fakeHooks) Reload() error                  { f.reloaded = true; return nil }
func (f *fakeHooks) Purge() error                   { f.purged = true; return nil }
func (f *fakeHooks) Retry() error                   { f.retried = true; return nil }
func (f *fakeHooks) SetDebug(level int) error        { f.debugLevel = level; return nil }
func (f *fakeHooks) Registry() control.RegistryView { return f.reg }

func newFakeHooks() *fakeHooks {
	reg := topology.New(nil, "gw-ams")
	reg.AddNode("gw-fra", "fp1", netip.AddrPort{})
	reg.AddEdge("gw-ams", "gw-fra", 1, 0)
	return &fakeHooks{reg: reg}
}

func startTestServer(t *testing.T, hooks *fakeHooks) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(testutil.SocketDir(t), "control.sock")
	srv := control.NewServer(socketPath, hooks, nil)

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

func TestRunDumpNodes(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "dump", "nodes"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run returned %d, stderr: %s", code, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, "NAME\tFINGERPRINT\tADDRESS") {
		t.Errorf("missing header, got %q", out)
	}
	if !strings.Contains(out, "gw-fra") {
		t.Errorf("missing gw-fra node, got %q", out)
	}
}

func TestRunDumpEdges(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "dump", "edges"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run returned %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "gw-ams\tgw-fra\t1") {
		t.Errorf("missing edge tuple, got %q", stdout.String())
	}
}

func TestRunDumpUnknownTarget(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "dump", "bogus"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("expected non-zero exit for an unknown dump target")
	}
	if !strings.Contains(stderr.String(), "unknown target") {
		t.Errorf("expected unknown-target error, got %q", stderr.String())
	}
}

func TestRunReload(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "reload"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run returned %d, stderr: %s", code, stderr.String())
	}
	if !hooks.reloaded {
		t.Errorf("expected Reload to have been called")
	}
}

func TestRunStopPropagatesFailure(t *testing.T) {
	hooks := newFakeHooks()
	hooks.failNextStop = true
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "stop"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("expected non-zero exit when STOP fails")
	}
	if !strings.Contains(stderr.String(), "stop failed") {
		t.Errorf("expected the hook's error in stderr, got %q", stderr.String())
	}
}

func TestRunSetDebug(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "set-debug", "3"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run returned %d, stderr: %s", code, stderr.String())
	}
	if hooks.debugLevel != 3 {
		t.Errorf("debugLevel = %d, want 3", hooks.debugLevel)
	}
}

func TestRunSetDebugRejectsNonInteger(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "set-debug", "loud"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("expected non-zero exit for a non-integer debug level")
	}
}

func TestRunNoCommandShowsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("expected non-zero exit with no command")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	var stdout, stderr bytes.Buffer
	code := run([]string{"meshctl", "-s", socketPath, "frobnicate"}, &stdout, &stderr)
	if code == 0 {
		t.Fatalf("expected non-zero exit for an unknown command")
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("expected unknown-command error, got %q", stderr.String())
	}
}
