// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"net/netip"
	"testing"

	"github.com/vpnmesh/meshd/internal/topology"
)

func TestNewRegistrySnapshotCopiesCurrentState(t *testing.T) {
	reg := topology.New(nil, "gw-ams")
	reg.AddNode("gw-fra", "fp-fra", netip.AddrPort{})
	reg.AddEdge("gw-ams", "gw-fra", 1, 0)
	reg.AddSubnet("gw-fra", netip.MustParsePrefix("10.1.0.0/24"))
	reg.Insert(topology.Connection{Name: "gw-fra", Status: topology.StatusActive})

	snap := newRegistrySnapshot(reg)

	if len(snap.Nodes()) != 2 {
		t.Errorf("Nodes() has %d entries, want 2 (self + gw-fra)", len(snap.Nodes()))
	}
	if len(snap.Edges()) != 1 {
		t.Errorf("Edges() has %d entries, want 1", len(snap.Edges()))
	}
	if len(snap.Subnets()) != 1 {
		t.Errorf("Subnets() has %d entries, want 1", len(snap.Subnets()))
	}
	if len(snap.Scan()) != 1 {
		t.Errorf("Scan() has %d entries, want 1", len(snap.Scan()))
	}

	edge := snap.Edges()[0]
	if snap.NameOf(edge.From) != "gw-ams" || snap.NameOf(edge.To) != "gw-fra" {
		t.Errorf("NameOf resolved %q -> %q, want gw-ams -> gw-fra", snap.NameOf(edge.From), snap.NameOf(edge.To))
	}
}

func TestRegistrySnapshotIsIndependentOfLaterMutation(t *testing.T) {
	reg := topology.New(nil, "gw-ams")
	reg.AddNode("gw-fra", "fp-fra", netip.AddrPort{})

	snap := newRegistrySnapshot(reg)
	before := len(snap.Nodes())

	reg.AddNode("gw-lon", "fp-lon", netip.AddrPort{})

	if len(snap.Nodes()) != before {
		t.Error("a snapshot taken before a mutation should not reflect it")
	}
}

func TestRegistrySnapshotNameOfUnknownIndexIsEmpty(t *testing.T) {
	reg := topology.New(nil, "gw-ams")
	snap := newRegistrySnapshot(reg)

	if name := snap.NameOf(topology.NodeIndex(999)); name != "" {
		t.Errorf("NameOf(unknown) = %q, want empty string", name)
	}
}
