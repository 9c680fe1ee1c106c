// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint maintains a small process-wide ring of the most
// recently visited (file, line) locations in the hot path. On a fatal
// allocation or protocol failure, the daemon's fatal log record
// includes the latest checkpoint so a crash report points at the code
// that was running, not just the allocation site.
package checkpoint

import (
	"fmt"
	"runtime"
	"sync"
)

// ringSize bounds how many recent checkpoints are retained. Only the
// most recent matters for fatal reporting; a handful of predecessors
// help when the fault is one frame removed from the last Record call.
const ringSize = 8

var (
	mu    sync.Mutex
	ring  [ringSize]string
	next  int
	count int
)

// Record captures the caller's (file, line) and appends it to the
// ring. Call this at the entry of exported functions on the hot path
// (internal/meta, internal/topology, internal/daemon's main loop).
func Record() {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return
	}
	entry := fmt.Sprintf("%s:%d", file, line)

	mu.Lock()
	ring[next] = entry
	next = (next + 1) % ringSize
	if count < ringSize {
		count++
	}
	mu.Unlock()
}

// Latest returns the most recently recorded checkpoint, or "" if none
// has been recorded yet.
func Latest() string {
	mu.Lock()
	defer mu.Unlock()
	if count == 0 {
		return ""
	}
	index := (next - 1 + ringSize) % ringSize
	return ring[index]
}

// Recent returns up to ringSize most recent checkpoints, most recent
// first.
func Recent() []string {
	mu.Lock()
	defer mu.Unlock()

	result := make([]string, 0, count)
	for i := 0; i < count; i++ {
		index := (next - 1 - i + 2*ringSize) % ringSize
		result = append(result, ring[index])
	}
	return result
}

// reset clears the ring. Exposed only to tests, which otherwise leak
// state across the package-level ring between test functions.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	ring = [ringSize]string{}
	next = 0
	count = 0
}
