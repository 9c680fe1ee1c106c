// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/vpnmesh/meshd/internal/pidlock"
	"github.com/vpnmesh/meshd/lib/watchdog"
)

func TestCheckStartupWatchdogReportsRecentCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.cbor")
	if err := watchdog.Write(path, watchdog.State{
		Signal:     "SIGSEGV",
		Checkpoint: "loop.go:42",
		PID:        1234,
		Timestamp:  time.Now(),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	CheckStartupWatchdog(path, slog.New(slog.DiscardHandler))

	if _, ok, err := watchdog.Check(path, WatchdogMaxAge); err != nil {
		t.Fatalf("Check after CheckStartupWatchdog: %v", err)
	} else if ok {
		t.Error("expected CheckStartupWatchdog to clear the watchdog file")
	}
}

func TestCheckStartupWatchdogIgnoresStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.cbor")
	if err := watchdog.Write(path, watchdog.State{
		Signal:    "SIGBUS",
		PID:       1,
		Timestamp: time.Now().Add(-1 * time.Hour),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Should not panic or clear a file it considers unrelated/stale.
	CheckStartupWatchdog(path, nil)

	if _, ok, err := watchdog.Check(path, WatchdogMaxAge); err != nil {
		t.Fatalf("Check: %v", err)
	} else if ok {
		t.Error("a stale watchdog file should already read as not-ok under Check's own maxAge")
	}
}

func TestCheckStartupWatchdogNoFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.cbor")

	// Must not panic when there is nothing to read.
	CheckStartupWatchdog(path, nil)
}

func TestNewCrashRestartConstructsWithoutSideEffects(t *testing.T) {
	state := New([]string{"meshd"})
	paths := pidlock.Derive("", t.TempDir())
	c := NewCrashRestart(paths, filepath.Join(t.TempDir(), "watchdog.cbor"), state, nil)
	if c == nil {
		t.Fatal("NewCrashRestart returned nil")
	}
}
