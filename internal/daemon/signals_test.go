// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"testing"
	"time"

	"github.com/vpnmesh/meshd/lib/testutil"
)

func TestFlagHas(t *testing.T) {
	flags := FlagHup | FlagUsr1

	if !flags.Has(FlagHup) {
		t.Error("expected FlagHup to be set")
	}
	if !flags.Has(FlagUsr1) {
		t.Error("expected FlagUsr1 to be set")
	}
	if flags.Has(FlagTerm) {
		t.Error("did not expect FlagTerm to be set")
	}
	if !flags.Has(FlagHup | FlagUsr1) {
		t.Error("Has should report true when all requested bits are set")
	}
	if flags.Has(FlagHup | FlagTerm) {
		t.Error("Has should report false when any requested bit is missing")
	}
}

func TestSignalsRaiseAndDrain(t *testing.T) {
	s := NewSignals(nil)

	s.Raise(FlagHup)
	s.Raise(FlagUsr2)

	got := s.Drain()
	if !got.Has(FlagHup) || !got.Has(FlagUsr2) {
		t.Fatalf("Drain() = %v, want FlagHup|FlagUsr2 set", got)
	}

	// Drain clears the bitset under a single atomic swap.
	if again := s.Drain(); again != 0 {
		t.Errorf("second Drain() = %v, want 0", again)
	}
}

func TestSignalsRaiseAccumulatesBeforeDrain(t *testing.T) {
	s := NewSignals(nil)

	s.Raise(FlagTerm)
	s.Raise(FlagTerm)
	s.Raise(FlagQuit)

	got := s.Drain()
	if !got.Has(FlagTerm) || !got.Has(FlagQuit) {
		t.Fatalf("Drain() = %v, want FlagTerm|FlagQuit", got)
	}
}

func TestSignalsRunStopsOnClose(t *testing.T) {
	s := NewSignals(nil)
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		s.Run(stop)
		close(done)
	}()

	close(stop)

	testutil.RequireClosed(t, done, 2*time.Second, "Run did not return after stop was closed")
}
