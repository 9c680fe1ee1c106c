// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology holds the connection registry and the topology
// graph learned from it (spec.md §3, §4.4, C4). Exactly one goroutine —
// internal/daemon's main loop — ever mutates a Registry; everything
// else (control-channel reads, the observer) only reads a snapshot.
//
// Nodes, Subnets, and Edges live in a small arena of stable integer
// indices rather than as directly pointer-linked structs. A nexthop or
// edge endpoint is a NodeIndex, a weak reference that must be validated
// against the arena before use rather than dereferenced directly — the
// same shape spec.md §9 calls for to avoid a pointer graph that is easy
// to dangle when nodes are removed out from under a forwarding path.
package topology

import (
	"net/netip"
	"time"
)

// NodeIndex is a weak reference into a Registry's node arena. noIndex
// (-1) never refers to a real node; the zero value is slot 0, which New
// gives to the self node.
type NodeIndex int

const noIndex NodeIndex = -1

// ConnectionID is a weak reference into a Registry's connection arena.
type ConnectionID int

const noConnection ConnectionID = -1

// SubnetIndex is a weak reference into a Registry's subnet arena.
type SubnetIndex int

const noSubnet SubnetIndex = -1

// ConnStatus is the bitset of flags spec.md §3 attaches to a
// Connection: {active, authenticated, pinged, outgoing-initiated,
// termreq-sent}.
type ConnStatus uint8

const (
	StatusActive ConnStatus = 1 << iota
	StatusAuthenticated
	StatusPinged
	StatusOutgoingInitiated
	StatusTermreqSent
)

// Has reports whether all bits of flags are set.
func (s ConnStatus) Has(flags ConnStatus) bool { return s&flags == flags }

// Counters holds the 8 cumulative byte/packet counters a TopologyNode
// tracks: {in, out} x {packets, bytes} x {tap, socket}. It is a separate
// type with the same fields as internal/dataplane's Counters, so topology
// doesn't import dataplane; a value of one converts to the other with a
// type conversion, not by plain assignment.
type Counters struct {
	TapPacketsIn, TapPacketsOut       uint64
	TapBytesIn, TapBytesOut           uint64
	SocketPacketsIn, SocketPacketsOut uint64
	SocketBytesIn, SocketBytesOut     uint64
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

// Connection is one adjacent meta-peer, per spec.md §3. The registry is
// its exclusive owner; nothing outside internal/topology and
// internal/meta should retain a Connection across a registry mutation.
type Connection struct {
	Name    string
	Address netip.AddrPort

	Status ConnStatus

	// ExpectedResponse names the meta-protocol message kind currently
	// awaited on this connection (e.g. "ACK"), or "" if none.
	ExpectedResponse string

	LastActivity  time.Time
	PeerVersion   string
	OutgoingQueue [][]byte

	// index is this connection's own slot, set by the registry on
	// insert so Connection values handed out to callers can still be
	// matched back to their slot without a separate lookup.
	index ConnectionID
}

// TopologyNode is a reachable VPN participant, possibly non-adjacent
// (spec.md §3). self is true for exactly one node per Registry.
type TopologyNode struct {
	Name           string
	KeyFingerprint string
	AdvertisedAddr netip.AddrPort
	Subnets        []SubnetIndex
	Nexthop        ConnectionID
	Counters       Counters
	self           bool
	index          NodeIndex
}

// Subnet is a claimed destination prefix, owned by exactly one node
// (spec.md §3).
type Subnet struct {
	Prefix netip.Prefix
	Owner  NodeIndex
	index  SubnetIndex
}

// Edge is a directed meta-adjacency used to rebuild nexthop pointers
// whenever the edge set changes (spec.md §3).
type Edge struct {
	From, To NodeIndex
	Weight   int
	Options  uint32
}
