// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vpnmesh/meshd/internal/checkpoint"
)

// Flag is one bit of the pending-signal bitset spec.md §4.2 describes.
// The C original sets sig_atomic_t booleans directly from handler
// context; Go forbids arbitrary work in a true signal handler but
// already defers delivery onto a channel read by ordinary goroutines,
// so the translation from os.Signal to a Flag bit happens off the
// signal path — Signals.Run is a normal goroutine, not a handler.
type Flag uint32

const (
	FlagTerm Flag = 1 << iota
	FlagQuit
	FlagInt
	FlagHup
	FlagUsr1
	FlagUsr2
	FlagChld
	FlagSegv
)

// Signals owns the pending-events bitset and the goroutine that feeds
// it from the OS. The main loop calls Drain once per iteration
// (spec.md §4.7 step 1) to consume and clear it under a single atomic
// swap — the "short critical section" the spec calls for.
type Signals struct {
	pending atomic.Uint32
	ch      chan os.Signal
	logger  *slog.Logger
}

// NewSignals registers for the signals meshd binds: TERM, QUIT, INT,
// HUP, USR1, USR2 and CHLD. No catch-all is registered, so any other
// signal keeps the Go runtime's default action and does not reach
// diagnose. Call Run in its own goroutine once, then Drain from the
// main loop.
func NewSignals(logger *slog.Logger) *Signals {
	s := &Signals{
		ch:     make(chan os.Signal, 16),
		logger: logger,
	}
	signal.Notify(s.ch,
		syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGHUP,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCHLD,
	)
	return s
}

// Run translates incoming signals into bitset flags until stop is
// closed. SIGSEGV/SIGBUS are deliberately not registered here — a real
// segfault in Go does not deliver through signal.Notify in a state
// safe to resume from, so C8's crash-restart handler (crashrestart.go)
// registers SIGSEGV/SIGBUS on its own channel instead of going through
// this bitset. Nothing sets FlagSegv.
func (s *Signals) Run(stop <-chan struct{}) {
	for {
		select {
		case sig := <-s.ch:
			s.dispatch(sig)
		case <-stop:
			return
		}
	}
}

func (s *Signals) dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM:
		s.set(FlagTerm)
	case syscall.SIGQUIT:
		s.set(FlagQuit)
	case syscall.SIGINT:
		s.set(FlagInt)
	case syscall.SIGHUP:
		s.set(FlagHup)
	case syscall.SIGUSR1:
		s.set(FlagUsr1)
	case syscall.SIGUSR2:
		s.set(FlagUsr2)
	case syscall.SIGCHLD:
		s.set(FlagChld)
	default:
		s.diagnose(sig)
	}
}

func (s *Signals) set(f Flag) {
	s.pending.Or(uint32(f))
}

// Raise sets f in the pending bitset as if the corresponding signal
// had just been delivered. Used by the control channel to drive the
// same HUP tear-down/bring-up path SIGHUP does (spec.md §4.6's RELOAD
// verb is documented as "equivalent to SIGHUP") without a session
// goroutine touching daemon state directly.
func (s *Signals) Raise(f Flag) {
	s.set(f)
}

// diagnose logs a signal dispatch has no flag for, with the most recent
// checkpoint, and keeps running. NewSignals registers only bound
// signals, so this is reached only by a signal outside that set.
func (s *Signals) diagnose(sig os.Signal) {
	if s.logger == nil {
		return
	}
	name := "unknown"
	if un, ok := sig.(syscall.Signal); ok {
		name = unix.SignalName(un)
	}
	s.logger.Warn("unhandled signal", "signal", sig, "name", name, "checkpoint", checkpoint.Latest())
}

// Drain atomically reads and clears the pending bitset, returning the
// flags the main loop must act on this iteration.
func (s *Signals) Drain() Flag {
	return Flag(s.pending.Swap(0))
}

// Has reports whether every bit of f is set within flags, a convenience
// for the main loop's per-flag branches.
func (flags Flag) Has(f Flag) bool { return flags&f == f }
