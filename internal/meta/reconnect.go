// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import "time"

// InitialBackoff, MaxBackoff, and BackoffFactor define the reconnect
// schedule for connections meshd itself initiated (spec.md §4.5).
// Inbound connections are never retried — a peer that wants to talk to
// us will dial again on its own schedule.
const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 300 * time.Second
	BackoffFactor  = 2
)

// Backoff tracks one outgoing peer's reconnect delay across repeated
// failures, resetting to InitialBackoff after a connection reaches
// StateActive.
type Backoff struct {
	delay time.Duration
}

// NewBackoff returns a Backoff ready for a peer's first connection
// attempt.
func NewBackoff() *Backoff {
	return &Backoff{delay: InitialBackoff}
}

// Next returns the delay to wait before the next dial attempt and
// advances the schedule by BackoffFactor, capped at MaxBackoff.
func (b *Backoff) Next() time.Duration {
	d := b.delay
	b.delay *= BackoffFactor
	if b.delay > MaxBackoff {
		b.delay = MaxBackoff
	}
	return d
}

// Reset restores the schedule to InitialBackoff, called once a
// reconnected connection successfully reaches StateActive.
func (b *Backoff) Reset() {
	b.delay = InitialBackoff
}

// Reconnector holds one outgoing peer's reconnect schedule and stopped
// flag. It does not dial by itself: internal/daemon asks it for the next
// delay after each failed or closed connection. The schedule has no
// attempt limit — only Stop ends it.
type Reconnector struct {
	PeerName string
	backoff  *Backoff
	stopped  bool
}

// NewReconnector creates a Reconnector for peerName.
func NewReconnector(peerName string) *Reconnector {
	return &Reconnector{PeerName: peerName, backoff: NewBackoff()}
}

// Stop marks the reconnector as stopped; callers driving the retry
// loop (internal/daemon) should check Stopped before scheduling the
// next dial.
func (r *Reconnector) Stop() { r.stopped = true }

// Stopped reports whether Stop has been called.
func (r *Reconnector) Stopped() bool { return r.stopped }

// NextDelay returns the delay before the next dial attempt, advancing
// the underlying backoff schedule.
func (r *Reconnector) NextDelay() time.Duration { return r.backoff.Next() }

// Succeeded resets the backoff schedule after a connection to this
// peer reaches StateActive.
func (r *Reconnector) Succeeded() { r.backoff.Reset() }
