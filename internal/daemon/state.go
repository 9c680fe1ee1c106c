// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the independently-testable pieces
// (internal/meta, internal/control, internal/topology,
// internal/dataplane) into a running process: the signal-to-flag
// dispatcher (C2), detach/supervisor (C3), the single-threaded main
// loop (C7), and the crash-restart handler (C8).
package daemon

import "time"

// State is the process-wide singleton spec.md §3 describes: every
// field the signal dispatcher and main loop share. It is constructed
// once in main and lives for the process's lifetime; only the main
// loop goroutine and the signal-translating goroutine touch it, and
// the latter only through Signals' atomic bitset, never State's other
// fields directly.
type State struct {
	// Debug is the current debug level (0..5), mutated only by the
	// main loop in response to SET_DEBUG or -d.
	Debug int

	// Detached records whether this process completed C3's detach
	// sequence (false when run with -D).
	Detached bool

	// Running is false once a shutdown has been initiated; checked at
	// the top of each main-loop iteration (spec.md §4.7 step 6).
	Running bool

	// Argv is a copy of the original argv, needed verbatim for C8's
	// execvp-based crash-restart.
	Argv []string

	// SupervisorPID is the detach supervisor's PID, 0 if this process
	// was not started via C3 (e.g. run with -D).
	SupervisorPID int

	// StartedAt is when this State was constructed.
	StartedAt time.Time
}

// New constructs a State for a process started with argv, not yet
// detached.
func New(argv []string) *State {
	return &State{
		Argv:      append([]string(nil), argv...),
		Running:   true,
		StartedAt: time.Now(),
	}
}

// Uptime returns how long this daemon has been running.
func (s *State) Uptime() time.Duration {
	return time.Since(s.StartedAt)
}
