// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vpnmesh/meshd/internal/pidlock"
)

func TestDaemonShutdownClosesConnectionsAndReleasesPIDFile(t *testing.T) {
	d := newTestDaemonForLoop(t, "gw-ams")

	paths := pidlock.Derive("", t.TempDir())
	if err := pidlock.Acquire(paths); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	d.Paths = paths

	conn, client := newPipeConnection("gw-fra")
	defer client.Close()
	d.trackConnection(conn)

	d.Shutdown()

	if len(d.conns) != 0 {
		t.Error("expected every connection to be dropped after Shutdown")
	}
	if _, err := os.Stat(paths.PIDFile); !os.IsNotExist(err) {
		t.Errorf("expected the PID file to be removed, stat err: %v", err)
	}
}

func TestDaemonShutdownIsSafeWithNilPlane(t *testing.T) {
	d := newTestDaemonForLoop(t, "gw-ams")
	d.Plane.Stop()
	d.Plane = nil
	d.Paths = pidlock.Derive("", filepath.Join(t.TempDir(), "does-not-exist"))

	// Must not panic with no data plane configured.
	d.Shutdown()
}
