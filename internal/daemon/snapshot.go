// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import "github.com/vpnmesh/meshd/internal/topology"

// registrySnapshot is an immutable, point-in-time copy of a
// topology.Registry's read surface. It exists so control-channel
// session goroutines (internal/control) can serve DUMP_* requests
// without ever touching the live, main-loop-owned Registry — reading
// reg.Nodes()/Edges()/etc. from a goroutine other than the main loop
// would race against the mutations the main loop applies as it
// processes meta-protocol traffic (spec.md §5, SPEC_FULL.md §6).
//
// newRegistrySnapshot must only ever be called from the main loop
// goroutine, synchronously with the Registry it copies from — the
// same ownership rule that lets Registry itself skip locking.
type registrySnapshot struct {
	nodes   []topology.TopologyNode
	edges   []topology.Edge
	subnets []topology.Subnet
	conns   []topology.Connection
	names   map[topology.NodeIndex]string
}

// newRegistrySnapshot copies every field dumpLines/dumpTraffic can
// read out of reg. names is populated lazily from the indices edges
// and subnets actually reference, since TopologyNode does not expose
// its own arena index.
func newRegistrySnapshot(reg *topology.Registry) *registrySnapshot {
	edges := reg.Edges()
	subnets := reg.Subnets()

	names := make(map[topology.NodeIndex]string, len(edges)*2+len(subnets))
	for _, e := range edges {
		names[e.From] = reg.NameOf(e.From)
		names[e.To] = reg.NameOf(e.To)
	}
	for _, s := range subnets {
		names[s.Owner] = reg.NameOf(s.Owner)
	}

	return &registrySnapshot{
		nodes:   reg.Nodes(),
		edges:   edges,
		subnets: subnets,
		conns:   reg.Scan(),
		names:   names,
	}
}

func (s *registrySnapshot) Nodes() []topology.TopologyNode { return s.nodes }
func (s *registrySnapshot) Edges() []topology.Edge         { return s.edges }
func (s *registrySnapshot) Subnets() []topology.Subnet     { return s.subnets }
func (s *registrySnapshot) Scan() []topology.Connection    { return s.conns }

func (s *registrySnapshot) NameOf(idx topology.NodeIndex) string {
	return s.names[idx]
}
