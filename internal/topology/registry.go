// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/vpnmesh/meshd/internal/errs"
)

// Registry is the connection table and topology graph, owned
// exclusively by internal/daemon's main loop (spec.md §4.4, §5).
type Registry struct {
	logger *slog.Logger

	connections    *arena[Connection]
	connByName     map[string]ConnectionID

	nodes    *arena[TopologyNode]
	nodeByName map[string]NodeIndex
	self     NodeIndex

	subnets *arena[Subnet]

	edges []Edge
}

// New constructs an empty Registry for a net whose local identity is
// selfName. A self TopologyNode is created immediately, matching the
// invariant that every registry has exactly one self node from the
// start (spec.md §3 invariant 3 only applies to non-self nodes).
func New(logger *slog.Logger, selfName string) *Registry {
	r := &Registry{
		logger:     logger,
		connections: newArena[Connection](),
		connByName: map[string]ConnectionID{},
		nodes:      newArena[TopologyNode](),
		nodeByName: map[string]NodeIndex{},
		subnets:    newArena[Subnet](),
		self:       noIndex,
	}
	selfIndex := r.nodes.insert(TopologyNode{Name: selfName, self: true, Nexthop: noConnection})
	r.nodes.set(selfIndex, withNodeIndex(mustGet(r.nodes, selfIndex), NodeIndex(selfIndex)))
	r.nodeByName[selfName] = NodeIndex(selfIndex)
	r.self = NodeIndex(selfIndex)
	return r
}

func withNodeIndex(n TopologyNode, idx NodeIndex) TopologyNode {
	n.index = idx
	return n
}

func withConnIndex(c Connection, idx ConnectionID) Connection {
	c.index = idx
	return c
}

func withSubnetIndex(s Subnet, idx SubnetIndex) Subnet {
	s.index = idx
	return s
}

func mustGet[T any](a *arena[T], index int) T {
	v, _ := a.get(index)
	return v
}

// --- Connection registry operations (spec.md §4.4) ---

// Insert adds conn to the registry, failing with errs.KindDuplicate if
// a connection with the same name already exists.
func (r *Registry) Insert(conn Connection) (ConnectionID, error) {
	if _, exists := r.connByName[conn.Name]; exists {
		return noConnection, errs.Wrap(errs.KindDuplicate, "topology.Insert", conn.Name,
			fmt.Errorf("connection %q already registered", conn.Name))
	}
	slot := r.connections.insert(conn)
	id := ConnectionID(slot)
	r.connections.set(slot, withConnIndex(conn, id))
	r.connByName[conn.Name] = id
	return id, nil
}

// Remove releases conn's slot, purges any topology nexthops pointing
// at it, and recomputes shortest paths from the current edge set.
func (r *Registry) Remove(id ConnectionID) {
	conn, ok := r.connections.remove(int(id))
	if !ok {
		return
	}
	delete(r.connByName, conn.Name)
	r.recomputeNexthops()
}

// LookupByName returns the connection named name, if any.
func (r *Registry) LookupByName(name string) (Connection, bool) {
	id, ok := r.connByName[name]
	if !ok {
		return Connection{}, false
	}
	return r.connections.get(int(id))
}

// BroadcastExcept calls send(conn) for every active connection other
// than origin. The registry does not own socket I/O itself — send is
// internal/meta's line-queuing function — but iterating "active,
// excluding origin" is topology's job since it owns the table.
func (r *Registry) BroadcastExcept(origin ConnectionID, send func(Connection)) {
	r.connections.each(func(slot int, conn Connection) {
		if ConnectionID(slot) == origin {
			return
		}
		if !conn.Status.Has(StatusActive) {
			return
		}
		send(conn)
	})
}

// Scan returns every live connection, for admin dumps (DUMP_CONNECTIONS).
func (r *Registry) Scan() []Connection {
	var out []Connection
	r.connections.each(func(_ int, conn Connection) { out = append(out, conn) })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Topology graph operations (spec.md §3, §4.4) ---

// AddNode creates a TopologyNode for name if one doesn't already exist
// (ADD_NODE is idempotent). Returns the node's index either way.
func (r *Registry) AddNode(name, keyFingerprint string, advertised netip.AddrPort) NodeIndex {
	if idx, ok := r.nodeByName[name]; ok {
		return idx
	}
	slot := r.nodes.insert(TopologyNode{Name: name, KeyFingerprint: keyFingerprint, AdvertisedAddr: advertised, Nexthop: noConnection})
	idx := NodeIndex(slot)
	r.nodes.set(slot, withNodeIndex(mustGet(r.nodes, slot), idx))
	r.nodeByName[name] = idx
	return idx
}

// SetSelfIdentity fills in the self node's key fingerprint and
// advertised address. New creates the self node before the daemon has
// loaded its own keypair or listen address, so those two fields start
// empty; this is how internal/daemon backfills them once known, ahead
// of the first ADD_NODE a peer ever sees for us.
func (r *Registry) SetSelfIdentity(keyFingerprint string, advertised netip.AddrPort) {
	node, ok := r.nodes.get(int(r.self))
	if !ok {
		return
	}
	node.KeyFingerprint = keyFingerprint
	node.AdvertisedAddr = advertised
	r.nodes.set(int(r.self), node)
}

// DelNode removes a TopologyNode and every Subnet it owns. The self
// node can never be removed.
func (r *Registry) DelNode(name string) {
	idx, ok := r.nodeByName[name]
	if !ok || idx == r.self {
		return
	}
	node, ok := r.nodes.get(int(idx))
	if !ok {
		return
	}
	for _, subIdx := range node.Subnets {
		r.subnets.remove(int(subIdx))
	}
	r.nodes.remove(int(idx))
	delete(r.nodeByName, name)
	r.pruneEdgesReferencing(idx)
	r.recomputeNexthops()
}

// NodeByName returns the TopologyNode named name, if any.
func (r *Registry) NodeByName(name string) (TopologyNode, bool) {
	idx, ok := r.nodeByName[name]
	if !ok {
		return TopologyNode{}, false
	}
	return r.nodes.get(int(idx))
}

// Nodes returns every live TopologyNode, ordered by name.
func (r *Registry) Nodes() []TopologyNode {
	var out []TopologyNode
	r.nodes.each(func(_ int, n TopologyNode) { out = append(out, n) })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Edges returns every directed adjacency currently known, for admin
// dumps (DUMP_EDGES). Order matches insertion order, which is stable
// enough for a human-facing dump.
func (r *Registry) Edges() []Edge {
	out := make([]Edge, len(r.edges))
	copy(out, r.edges)
	return out
}

// Subnets returns every claimed prefix paired with its owner's name,
// sorted by prefix string, for admin dumps (DUMP_SUBNETS).
func (r *Registry) Subnets() []Subnet {
	var out []Subnet
	r.subnets.each(func(_ int, s Subnet) { out = append(out, s) })
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix.String() < out[j].Prefix.String() })
	return out
}

// NameOf returns the name of the node at idx, the empty string if idx
// does not refer to a live node. Exported for callers outside the
// package (internal/control's DUMP_EDGES/DUMP_SUBNETS formatting) that
// only hold a NodeIndex from an Edge or Subnet.
func (r *Registry) NameOf(idx NodeIndex) string {
	n, ok := r.nodes.get(int(idx))
	if !ok {
		return ""
	}
	return n.Name
}

// AddSubnet claims prefix for owner. ADD_SUBNET is idempotent: claiming
// a prefix already owned by the same node is a no-op. A prefix claimed
// by a different node is a conflict (spec.md §3 Subnet invariant);
// conflict is reported so internal/meta can disconnect the later
// claimant, and the claim is rejected.
func (r *Registry) AddSubnet(ownerName string, prefix netip.Prefix) error {
	owner, ok := r.nodeByName[ownerName]
	if !ok {
		return errs.New(errs.KindProtocol, "topology.AddSubnet", fmt.Errorf("unknown owner node %q", ownerName))
	}

	conflict := false
	r.subnets.each(func(_ int, s Subnet) {
		if !s.Prefix.Overlaps(prefix) {
			return
		}
		if s.Owner != owner {
			conflict = true
		}
	})
	if conflict {
		return errs.Wrap(errs.KindProtocol, "topology.AddSubnet", ownerName,
			fmt.Errorf("subnet %s overlaps a claim by another node", prefix))
	}

	node, _ := r.nodes.get(int(owner))
	for _, existing := range node.Subnets {
		s, ok := r.subnets.get(int(existing))
		if ok && s.Prefix == prefix {
			return nil // idempotent: already claimed by this owner.
		}
	}

	slot := r.subnets.insert(Subnet{Prefix: prefix, Owner: owner})
	subIdx := SubnetIndex(slot)
	r.subnets.set(slot, withSubnetIndex(mustGet(r.subnets, slot), subIdx))
	node.Subnets = append(node.Subnets, subIdx)
	r.nodes.set(int(owner), node)
	return nil
}

// DelSubnet releases prefix if owned by ownerName. Deleting an absent
// claim is a no-op, logged at debug level (DEL_SUBNET is idempotent).
func (r *Registry) DelSubnet(ownerName string, prefix netip.Prefix) {
	owner, ok := r.nodeByName[ownerName]
	if !ok {
		return
	}
	node, _ := r.nodes.get(int(owner))

	kept := node.Subnets[:0:0]
	removed := false
	for _, idx := range node.Subnets {
		s, ok := r.subnets.get(int(idx))
		if ok && s.Prefix == prefix {
			r.subnets.remove(int(idx))
			removed = true
			continue
		}
		kept = append(kept, idx)
	}
	node.Subnets = kept
	r.nodes.set(int(owner), node)

	if !removed && r.logger != nil {
		r.logger.Debug("del_subnet of absent claim is a no-op", "owner", ownerName, "subnet", prefix)
	}
}

// AddEdge adds a directed adjacency. Idempotent: re-adding an existing
// edge (same From/To) just updates its weight/options. Recomputes
// nexthops afterward.
func (r *Registry) AddEdge(fromName, toName string, weight int, options uint32) error {
	from, ok := r.nodeByName[fromName]
	if !ok {
		return errs.New(errs.KindProtocol, "topology.AddEdge", fmt.Errorf("unknown node %q", fromName))
	}
	to, ok := r.nodeByName[toName]
	if !ok {
		return errs.New(errs.KindProtocol, "topology.AddEdge", fmt.Errorf("unknown node %q", toName))
	}

	for i, e := range r.edges {
		if e.From == from && e.To == to {
			r.edges[i].Weight = weight
			r.edges[i].Options = options
			r.recomputeNexthops()
			return nil
		}
	}
	r.edges = append(r.edges, Edge{From: from, To: to, Weight: weight, Options: options})
	r.recomputeNexthops()
	return nil
}

// DelEdge removes a directed adjacency. Deleting an absent edge is a
// no-op, logged at debug level.
func (r *Registry) DelEdge(fromName, toName string) {
	from, ok1 := r.nodeByName[fromName]
	to, ok2 := r.nodeByName[toName]
	if !ok1 || !ok2 {
		return
	}
	for i, e := range r.edges {
		if e.From == from && e.To == to {
			r.edges = append(r.edges[:i], r.edges[i+1:]...)
			r.recomputeNexthops()
			return
		}
	}
	if r.logger != nil {
		r.logger.Debug("del_edge of absent edge is a no-op", "from", fromName, "to", toName)
	}
}

// PurgeUnreachable clears the cached advertised address for every
// non-self node with no live nexthop, per SIGUSR2/PURGE's "drop
// cached address/status information for unreachable nodes" (spec.md
// §4.2, §4.6). The node and its subnet claims stay; only the stale
// address hint is dropped so a future ADD_NODE re-announces it fresh.
func (r *Registry) PurgeUnreachable() {
	r.nodes.each(func(slot int, n TopologyNode) {
		if NodeIndex(slot) == r.self || n.Nexthop != noConnection {
			return
		}
		n.AdvertisedAddr = netip.AddrPort{}
		r.nodes.set(slot, n)
	})
}

func (r *Registry) pruneEdgesReferencing(idx NodeIndex) {
	kept := r.edges[:0:0]
	for _, e := range r.edges {
		if e.From == idx || e.To == idx {
			continue
		}
		kept = append(kept, e)
	}
	r.edges = kept
}

// recomputeNexthops rebuilds the nexthop pointer for every non-self
// node by breadth-first search from self over the edge set, breaking
// ties by ascending peer name (spec.md §4.4) and preferring edges whose
// endpoint has an authenticated, active connection in the registry.
func (r *Registry) recomputeNexthops() {
	type frontierEntry struct {
		node    NodeIndex
		nexthop ConnectionID
	}

	visited := map[NodeIndex]bool{r.self: true}
	queue := []frontierEntry{{node: r.self, nexthop: noConnection}}

	resolved := map[NodeIndex]ConnectionID{}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		neighbors := r.neighborsOf(current.node)
		sort.Slice(neighbors, func(i, j int) bool {
			return r.nameOf(neighbors[i]) < r.nameOf(neighbors[j])
		})

		for _, next := range neighbors {
			if visited[next] {
				continue
			}
			visited[next] = true

			nexthop := current.nexthop
			if current.node == r.self {
				// Direct neighbor of self: its nexthop is whichever
				// connection reaches it, if any.
				if id, ok := r.connByName[r.nameOf(next)]; ok {
					nexthop = id
				} else {
					nexthop = noConnection
				}
			}
			resolved[next] = nexthop
			queue = append(queue, frontierEntry{node: next, nexthop: nexthop})
		}
	}

	r.nodes.each(func(slot int, node TopologyNode) {
		if NodeIndex(slot) == r.self {
			return
		}
		nexthop, reachable := resolved[NodeIndex(slot)]
		if !reachable {
			nexthop = noConnection
		}
		node.Nexthop = nexthop
		r.nodes.set(slot, node)
	})
}

func (r *Registry) nameOf(idx NodeIndex) string {
	n, _ := r.nodes.get(int(idx))
	return n.Name
}

// neighborsOf returns the nodes directly reachable from idx over
// active, authenticated edges only — matching spec.md §4.4's
// requirement that nexthop recomputation walks only live adjacencies.
func (r *Registry) neighborsOf(idx NodeIndex) []NodeIndex {
	var out []NodeIndex
	for _, e := range r.edges {
		if e.From != idx {
			continue
		}
		if !r.edgeIsLive(e) {
			continue
		}
		out = append(out, e.To)
	}
	return out
}

func (r *Registry) edgeIsLive(e Edge) bool {
	if e.From == r.self {
		// Self's own edges are live iff we have an active,
		// authenticated connection to the target.
		toNode, ok := r.nodes.get(int(e.To))
		if !ok {
			return false
		}
		conn, ok := r.LookupByName(toNode.Name)
		if !ok {
			return false
		}
		return conn.Status.Has(StatusActive | StatusAuthenticated)
	}
	// Edges between two non-self nodes are learned from broadcasts and
	// assumed live until a DEL_EDGE retracts them.
	return true
}
