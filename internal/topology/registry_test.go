// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"net/netip"
	"testing"

	"github.com/vpnmesh/meshd/internal/errs"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func TestNewRegistryHasSelfNode(t *testing.T) {
	r := New(nil, "gw-ams")
	self, ok := r.NodeByName("gw-ams")
	if !ok {
		t.Fatal("self node should exist immediately after New")
	}
	if !self.self {
		t.Error("self node should have self == true")
	}
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	r := New(nil, "gw-ams")
	if _, err := r.Insert(Connection{Name: "gw-fra"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := r.Insert(Connection{Name: "gw-fra"})
	if err == nil {
		t.Fatal("Insert should reject a duplicate connection name")
	}
	if !errs.Is(err, errs.KindDuplicate) {
		t.Errorf("error kind = %v, want KindDuplicate", err)
	}
}

func TestRemoveThenLookupFails(t *testing.T) {
	r := New(nil, "gw-ams")
	id, err := r.Insert(Connection{Name: "gw-fra"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	r.Remove(id)
	if _, ok := r.LookupByName("gw-fra"); ok {
		t.Error("LookupByName should fail after Remove")
	}
}

func TestBroadcastExceptSkipsOriginAndInactive(t *testing.T) {
	r := New(nil, "gw-ams")
	active, _ := r.Insert(Connection{Name: "gw-fra", Status: StatusActive})
	_, _ = r.Insert(Connection{Name: "gw-lon"}) // inactive
	origin, _ := r.Insert(Connection{Name: "gw-ber", Status: StatusActive})

	var got []string
	r.BroadcastExcept(origin, func(c Connection) { got = append(got, c.Name) })

	if len(got) != 1 || got[0] != "gw-fra" {
		t.Errorf("BroadcastExcept delivered to %v, want just [gw-fra]", got)
	}
	_ = active
}

func TestScanIsSortedByName(t *testing.T) {
	r := New(nil, "gw-ams")
	r.Insert(Connection{Name: "gw-zrh"})
	r.Insert(Connection{Name: "gw-ber"})
	r.Insert(Connection{Name: "gw-fra"})

	scan := r.Scan()
	if len(scan) != 3 {
		t.Fatalf("Scan returned %d connections, want 3", len(scan))
	}
	for i := 1; i < len(scan); i++ {
		if scan[i-1].Name >= scan[i].Name {
			t.Errorf("Scan() not sorted: %q >= %q", scan[i-1].Name, scan[i].Name)
		}
	}
}

func TestAddNodeIsIdempotent(t *testing.T) {
	r := New(nil, "gw-ams")
	first := r.AddNode("gw-fra", "fp1", netip.AddrPort{})
	second := r.AddNode("gw-fra", "fp2-ignored", netip.AddrPort{})
	if first != second {
		t.Error("AddNode should return the same index for an already-known node")
	}
	node, _ := r.NodeByName("gw-fra")
	if node.KeyFingerprint != "fp1" {
		t.Error("AddNode should not overwrite an existing node's attributes")
	}
}

func TestDelNodeCannotRemoveSelf(t *testing.T) {
	r := New(nil, "gw-ams")
	r.DelNode("gw-ams")
	if _, ok := r.NodeByName("gw-ams"); !ok {
		t.Error("DelNode should never remove the self node")
	}
}

func TestDelNodeRemovesOwnedSubnets(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	if err := r.AddSubnet("gw-fra", mustPrefix(t, "10.0.2.0/24")); err != nil {
		t.Fatalf("AddSubnet: %v", err)
	}

	r.DelNode("gw-fra")

	if _, ok := r.NodeByName("gw-fra"); ok {
		t.Error("DelNode should remove the node")
	}
	if subnets := r.Subnets(); len(subnets) != 0 {
		t.Errorf("Subnets() after DelNode = %+v, want none", subnets)
	}
}

func TestAddSubnetIdempotent(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	prefix := mustPrefix(t, "10.0.2.0/24")

	if err := r.AddSubnet("gw-fra", prefix); err != nil {
		t.Fatalf("AddSubnet: %v", err)
	}
	if err := r.AddSubnet("gw-fra", prefix); err != nil {
		t.Fatalf("second AddSubnet of the same claim should be a no-op, got: %v", err)
	}

	node, _ := r.NodeByName("gw-fra")
	if len(node.Subnets) != 1 {
		t.Errorf("node has %d subnets after idempotent re-add, want 1", len(node.Subnets))
	}
}

func TestAddSubnetRejectsOverlapFromAnotherOwner(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp1", netip.AddrPort{})
	r.AddNode("gw-lon", "fp2", netip.AddrPort{})

	if err := r.AddSubnet("gw-fra", mustPrefix(t, "10.0.2.0/24")); err != nil {
		t.Fatalf("AddSubnet: %v", err)
	}
	err := r.AddSubnet("gw-lon", mustPrefix(t, "10.0.2.0/25"))
	if err == nil {
		t.Fatal("AddSubnet should reject an overlapping claim from a different owner")
	}
}

func TestDelSubnetIsIdempotent(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	prefix := mustPrefix(t, "10.0.2.0/24")

	r.DelSubnet("gw-fra", prefix) // absent claim: no-op, must not panic.

	if err := r.AddSubnet("gw-fra", prefix); err != nil {
		t.Fatalf("AddSubnet: %v", err)
	}
	r.DelSubnet("gw-fra", prefix)

	node, _ := r.NodeByName("gw-fra")
	if len(node.Subnets) != 0 {
		t.Errorf("node has %d subnets after DelSubnet, want 0", len(node.Subnets))
	}
}

func TestNexthopDirectNeighborOfSelf(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	connID, err := r.Insert(Connection{Name: "gw-fra", Status: StatusActive | StatusAuthenticated})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.AddEdge("gw-ams", "gw-fra", 1, 0); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	node, _ := r.NodeByName("gw-fra")
	if node.Nexthop != connID {
		t.Errorf("Nexthop = %v, want the direct connection %v", node.Nexthop, connID)
	}
}

func TestNexthopMultiHopViaRelay(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp1", netip.AddrPort{})
	r.AddNode("gw-lon", "fp2", netip.AddrPort{})

	connID, err := r.Insert(Connection{Name: "gw-fra", Status: StatusActive | StatusAuthenticated})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.AddEdge("gw-ams", "gw-fra", 1, 0); err != nil {
		t.Fatalf("AddEdge ams->fra: %v", err)
	}
	if err := r.AddEdge("gw-fra", "gw-lon", 1, 0); err != nil {
		t.Fatalf("AddEdge fra->lon: %v", err)
	}

	lon, _ := r.NodeByName("gw-lon")
	if lon.Nexthop != connID {
		t.Errorf("Nexthop for a two-hop node = %v, want the relay connection %v", lon.Nexthop, connID)
	}
}

func TestNexthopUnreachableWithoutLiveEdge(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	// No connection inserted, so the ams->fra edge is never live.
	if err := r.AddEdge("gw-ams", "gw-fra", 1, 0); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	node, _ := r.NodeByName("gw-fra")
	if node.Nexthop != noConnection {
		t.Errorf("Nexthop = %v, want noConnection for an unreachable node", node.Nexthop)
	}
}

func TestDelEdgeRecomputesNexthop(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	r.Insert(Connection{Name: "gw-fra", Status: StatusActive | StatusAuthenticated})
	r.AddEdge("gw-ams", "gw-fra", 1, 0)

	r.DelEdge("gw-ams", "gw-fra")

	node, _ := r.NodeByName("gw-fra")
	if node.Nexthop != noConnection {
		t.Error("Nexthop should be cleared once the only edge to a node is deleted")
	}
}

func TestEdgesAndSubnetsAccessors(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-fra", "fp", netip.AddrPort{})
	if err := r.AddEdge("gw-ams", "gw-fra", 3, 0); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := r.AddSubnet("gw-fra", mustPrefix(t, "10.0.2.0/24")); err != nil {
		t.Fatalf("AddSubnet: %v", err)
	}

	edges := r.Edges()
	if len(edges) != 1 || edges[0].Weight != 3 {
		t.Fatalf("Edges() = %+v, want one edge with weight 3", edges)
	}
	if r.NameOf(edges[0].From) != "gw-ams" || r.NameOf(edges[0].To) != "gw-fra" {
		t.Errorf("Edges() endpoints = %s -> %s, want gw-ams -> gw-fra", r.NameOf(edges[0].From), r.NameOf(edges[0].To))
	}

	subnets := r.Subnets()
	if len(subnets) != 1 || r.NameOf(subnets[0].Owner) != "gw-fra" {
		t.Fatalf("Subnets() = %+v, want one subnet owned by gw-fra", subnets)
	}
}

func TestNameOfUnknownIndexIsEmpty(t *testing.T) {
	r := New(nil, "gw-ams")
	if got := r.NameOf(NodeIndex(999)); got != "" {
		t.Errorf("NameOf(999) = %q, want empty string", got)
	}
}

func TestNodesReturnsAllNodesSortedByName(t *testing.T) {
	r := New(nil, "gw-ams")
	r.AddNode("gw-zrh", "fp", netip.AddrPort{})
	r.AddNode("gw-ber", "fp", netip.AddrPort{})

	names := make([]string, 0)
	for _, n := range r.Nodes() {
		names = append(names, n.Name)
	}
	if len(names) != 3 { // gw-ams (self) + gw-zrh + gw-ber
		t.Fatalf("Nodes() returned %v, want 3 nodes", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Nodes() not sorted: %v", names)
		}
	}
}

func TestPurgeUnreachableClearsAddressWithoutNexthop(t *testing.T) {
	r := New(nil, "gw-ams")
	addr := netip.MustParseAddrPort("203.0.113.1:655")
	r.AddNode("gw-fra", "fp", addr)
	// No edge, no connection: gw-fra has no nexthop.

	r.PurgeUnreachable()

	node, _ := r.NodeByName("gw-fra")
	if node.AdvertisedAddr.IsValid() {
		t.Errorf("AdvertisedAddr = %v, want cleared for an unreachable node", node.AdvertisedAddr)
	}
}

func TestPurgeUnreachableLeavesReachableNodeAlone(t *testing.T) {
	r := New(nil, "gw-ams")
	addr := netip.MustParseAddrPort("203.0.113.1:655")
	r.AddNode("gw-fra", "fp", addr)
	r.Insert(Connection{Name: "gw-fra", Status: StatusActive | StatusAuthenticated})
	r.AddEdge("gw-ams", "gw-fra", 1, 0)

	r.PurgeUnreachable()

	node, _ := r.NodeByName("gw-fra")
	if node.AdvertisedAddr != addr {
		t.Errorf("AdvertisedAddr = %v, want unchanged %v for a reachable node", node.AdvertisedAddr, addr)
	}
}

func TestPurgeUnreachableNeverTouchesSelf(t *testing.T) {
	r := New(nil, "gw-ams")
	r.PurgeUnreachable()

	if _, ok := r.NodeByName("gw-ams"); !ok {
		t.Error("self node was removed by PurgeUnreachable")
	}
}
