// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/topology"
	"github.com/vpnmesh/meshd/lib/testutil"
)

// fakeHooks is a minimal control.Hooks satisfied entirely in memory,
// letting these tests exercise a real control.Server end to end
// instead of faking the wire protocol by hand.
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

func TestClientTrafficDecodesTuples(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	client := NewClient(socketPath)
	defer client.Close()

	snap, err := client.Traffic(context.Background())
	if err != nil {
		t.Fatalf("Traffic: %v", err)
	}
	if len(snap.Nodes) != 2 { // gw-ams (self) + gw-fra, ordered by name
		t.Fatalf("got %d nodes, want 2", len(snap.Nodes))
	}
	node := snap.Nodes[1]
	if node.Name != "gw-fra" {
		t.Errorf("node = %+v, want gw-fra", node)
	}
}

func TestClientTrafficReusesConnectionAcrossCalls(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	client := NewClient(socketPath)
	defer client.Close()

	if _, err := client.Traffic(context.Background()); err != nil {
		t.Fatalf("first Traffic: %v", err)
	}
	firstConn := client.conn
	if _, err := client.Traffic(context.Background()); err != nil {
		t.Fatalf("second Traffic: %v", err)
	}
	if client.conn != firstConn {
		t.Error("expected the second call to reuse the same connection")
	}
}

func TestClientDoSendsRetry(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	client := NewClient(socketPath)
	defer client.Close()

	if err := client.Do(context.Background(), control.VerbRetry); err != nil {
		t.Fatalf("Do(RETRY): %v", err)
	}
	if !hooks.retried {
		t.Error("expected hooks.Retry to have been called")
	}
}

func TestClientDoSurfacesError(t *testing.T) {
	hooks := newFakeHooks()
	hooks.failNextStop = true
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	client := NewClient(socketPath)
	defer client.Close()

	if err := client.Do(context.Background(), control.VerbStop); err == nil {
		t.Error("expected a failed Stop to surface as an error")
	}
}

func TestClientDoSetDebug(t *testing.T) {
	hooks := newFakeHooks()
	socketPath, stop := startTestServer(t, hooks)
	defer stop()

	client := NewClient(socketPath)
	defer client.Close()

	if err := client.Do(context.Background(), control.VerbSetDebug, "3"); err != nil {
		t.Fatalf("Do(SET_DEBUG): %v", err)
	}
	if hooks.debugLevel != 3 {
		t.Errorf("debugLevel = %d, want 3", hooks.debugLevel)
	}
}

func TestClientConnectFailsOnMissingSocket(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	defer client.Close()

	if _, err := client.Traffic(context.Background()); err == nil {
		t.Error("expected Traffic to fail against a nonexistent socket")
	}
}
