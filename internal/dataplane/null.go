// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package dataplane

import (
	"context"
	"fmt"
	"sync"
)

// Null is a Plane that creates no tun device and opens no UDP socket.
// SendToPeer just records counters. Used in tests and on platforms
// without /dev/net/tun.
type Null struct {
	mu      sync.Mutex
	running bool
	counters Counters
	cfg     Config
}

// Start marks the plane running and retains cfg for later SendToPeer
// counter bookkeeping. It never reads from anything, since there is
// nothing to read from.
func (n *Null) Start(_ context.Context, cfg Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("dataplane: already started")
	}
	n.running = true
	n.cfg = cfg
	return nil
}

// Stop marks the plane stopped.
func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	return nil
}

// SendToPeer records the send in the socket-out counters without
// transmitting anything.
func (n *Null) SendToPeer(_ string, packet []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return fmt.Errorf("dataplane: not started")
	}
	n.counters.SocketPacketsOut++
	n.counters.SocketBytesOut += uint64(len(packet))
	return nil
}

// Deliver feeds a packet into the configured Deliver callback and
// records it in the tap-in counters, simulating a packet arriving from
// the local tun device. Exposed for tests that drive a Null plane as a
// stand-in for real tun I/O.
func (n *Null) Deliver(packet []byte) {
	n.mu.Lock()
	n.counters.TapPacketsIn++
	n.counters.TapBytesIn += uint64(len(packet))
	deliver := n.cfg.Deliver
	n.mu.Unlock()

	if deliver != nil {
		deliver(packet)
	}
}

// Counters returns a snapshot of accumulated counters.
func (n *Null) Counters() Counters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counters
}
