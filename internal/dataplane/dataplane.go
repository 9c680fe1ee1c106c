// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package dataplane moves IP packets between a local tap/tun device and
// UDP-encapsulated connections to other hosts on the net. It is the
// half of meshd that the meta protocol (internal/meta) never touches:
// once two hosts have exchanged a session key, packets flow directly
// over UDP rather than through the line-oriented control connection.
//
// internal/daemon owns exactly one Plane for the net it serves, started
// once a NetConfig has been loaded and stopped on shutdown.
package dataplane

import "context"

// Counters holds the 8 cumulative byte/packet counters a TopologyNode
// tracks: {in, out} x {packets, bytes} x {tap, socket}.
type Counters struct {
	TapPacketsIn    uint64
	TapPacketsOut   uint64
	TapBytesIn      uint64
	TapBytesOut     uint64
	SocketPacketsIn uint64
	SocketPacketsOut uint64
	SocketBytesIn   uint64
	SocketBytesOut  uint64
}

// Add returns the element-wise sum of c and other.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		TapPacketsIn:     c.TapPacketsIn + other.TapPacketsIn,
		TapPacketsOut:    c.TapPacketsOut + other.TapPacketsOut,
		TapBytesIn:       c.TapBytesIn + other.TapBytesIn,
		TapBytesOut:      c.TapBytesOut + other.TapBytesOut,
		SocketPacketsIn:  c.SocketPacketsIn + other.SocketPacketsIn,
		SocketPacketsOut: c.SocketPacketsOut + other.SocketPacketsOut,
		SocketBytesIn:    c.SocketBytesIn + other.SocketBytesIn,
		SocketBytesOut:   c.SocketBytesOut + other.SocketBytesOut,
	}
}

// Config configures a Plane before Start.
type Config struct {
	// InterfaceName is the tun device name to create or attach to, e.g.
	// "meshd0". Ignored by Null.
	InterfaceName string

	// MTU is the tun device's maximum transmission unit. meshd defaults
	// this to 1400 to leave room for UDP/IP and AEAD overhead.
	MTU int

	// ListenAddress is the local UDP address to bind for encapsulated
	// peer traffic, e.g. ":655".
	ListenAddress string

	// Deliver is called once per IP packet decapsulated from a peer's
	// UDP traffic, for the daemon to forward to its destination subnet's
	// owner or drop if that subnet isn't known.
	Deliver func(packet []byte)
}

// Plane is the data-plane contract internal/daemon drives. A Plane
// owns a tap/tun device and a UDP socket for exactly as long as it is
// running between Start and Stop.
type Plane interface {
	// Start begins reading from the tun device and the UDP socket,
	// dispatching decapsulated packets to cfg.Deliver. It returns once
	// both readers are running; ctx cancellation is the only way to
	// stop them short of calling Stop.
	Start(ctx context.Context, cfg Config) error

	// Stop closes the tun device and UDP socket, causing any in-flight
	// reads to return. Safe to call even if Start returned an error.
	Stop() error

	// SendToPeer encapsulates packet and sends it over UDP to addr.
	// Called by internal/daemon's routePacket once the destination
	// subnet's owner is resolved.
	SendToPeer(addr string, packet []byte) error

	// Counters returns a snapshot of this Plane's cumulative traffic
	// counters.
	Counters() Counters
}
