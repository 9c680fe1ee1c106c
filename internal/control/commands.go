// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"net/netip"

	"github.com/vpnmesh/meshd/internal/errs"
	"github.com/vpnmesh/meshd/internal/topology"
)

// RegistryView is the read-only slice of topology.Registry's API the
// DUMP_* commands need. internal/daemon's Hooks.Registry implementation
// is free to return either the live registry (if it arranges its own
// synchronization) or an immutable point-in-time snapshot — commands.go
// only ever calls these five accessors, never a mutator.
type RegistryView interface {
	Nodes() []topology.TopologyNode
	Edges() []topology.Edge
	Subnets() []topology.Subnet
	Scan() []topology.Connection
	NameOf(idx topology.NodeIndex) string
}

// Hooks is internal/daemon's callback surface for the control channel
// (spec.md §4.6): lifecycle actions and the registry reads behind the
// DUMP_* requests. Every method is called from a session goroutine, so
// implementations must be safe to call concurrently with the main
// loop — internal/daemon satisfies this by queueing lifecycle requests
// for the main loop to run on its own goroutine, and by handing
// Registry() an immutable snapshot rather than the live, main-loop-owned
// registry.
type Hooks interface {
	// Stop requests an orderly shutdown (spec.md §4.2 SIGTERM path).
	Stop() error
	// Reload requests the SIGHUP path (spec.md §4.2). internal/daemon's
	// implementation tears down and re-establishes connections against
	// the configuration already loaded; it does not reread it.
	Reload() error
	// Purge drops cached address/status information for unreachable
	// nodes, matching SIGUSR2's behavior (spec.md §4.2).
	Purge() error
	// SetDebug changes the running debug level (spec.md §3 DaemonState).
	SetDebug(level int) error
	// Retry forces an immediate reconnect attempt on every connection
	// currently backed off (spec.md §4.2 SIGALRM-equivalent behavior).
	Retry() error
	// Registry returns the topology view DUMP_* reads from, either the
	// live registry or a point-in-time snapshot of it.
	Registry() RegistryView
}

// handle executes one decoded Request against hooks and returns the
// response line(s) to write back, not yet including any dump
// sentinel — dump verbs are handled separately by writeDump in
// server.go because their response is a stream, not a single line.
func handle(req Request, hooks Hooks) ([]byte, error) {
	switch req.Verb {
	case VerbStop:
		if err := hooks.Stop(); err != nil {
			return errorLine(err), nil
		}
		return ackLine(), nil

	case VerbReload:
		if err := hooks.Reload(); err != nil {
			return errorLine(err), nil
		}
		return ackLine(), nil

	case VerbPurge:
		if err := hooks.Purge(); err != nil {
			return errorLine(err), nil
		}
		return ackLine(), nil

	case VerbRetry:
		if err := hooks.Retry(); err != nil {
			return errorLine(err), nil
		}
		return ackLine(), nil

	case VerbSetDebug:
		if len(req.Args) != 1 {
			return errorLine(fmt.Errorf("SET_DEBUG requires exactly one argument")), nil
		}
		level, err := parseDebugLevel(req.Args[0])
		if err != nil {
			return errorLine(err), nil
		}
		if err := hooks.SetDebug(level); err != nil {
			return errorLine(err), nil
		}
		return ackLine(), nil

	default:
		return nil, errs.New(errs.KindProtocol, "control.handle", fmt.Errorf("unknown verb %q", req.Verb))
	}
}

func parseDebugLevel(s string) (int, error) {
	var level int
	if _, err := fmt.Sscanf(s, "%d", &level); err != nil {
		return 0, fmt.Errorf("invalid debug level %q", s)
	}
	if level < 0 || level > 5 {
		return 0, fmt.Errorf("debug level %d out of range [0,5]", level)
	}
	return level, nil
}

func ackLine() []byte {
	line, _ := Encode(VerbAck)
	return line
}

func errorLine(err error) []byte {
	line, encErr := Encode(VerbError, err.Error())
	if encErr != nil {
		// err's text itself violated framing (e.g. contained a space);
		// ERROR with no detail still tells the client the request failed.
		line, _ = Encode(VerbError)
	}
	return line
}

// dumpLines renders one DUMP_* request into its full body, sentinel
// included. traffic.go's dumpTraffic covers VerbDumpTraffic separately
// since it draws on Counters rather than a flat accessor.
func dumpLines(req Request, hooks Hooks) ([][]byte, error) {
	reg := hooks.Registry()
	switch req.Verb {
	case VerbDumpNodes:
		return dumpNodes(reg), nil
	case VerbDumpEdges:
		return dumpEdges(reg), nil
	case VerbDumpSubnets:
		return dumpSubnets(reg), nil
	case VerbDumpConns:
		return dumpConnections(reg), nil
	case VerbDumpTraffic:
		return dumpTraffic(reg), nil
	default:
		return nil, errs.New(errs.KindProtocol, "control.dumpLines", fmt.Errorf("%q is not a dump verb", req.Verb))
	}
}

func dumpNodes(reg RegistryView) [][]byte {
	var out [][]byte
	for _, n := range reg.Nodes() {
		line, err := EncodeTuple(VerbDumpNodes, n.Name, n.KeyFingerprint, addrPortString(n.AdvertisedAddr))
		if err == nil {
			out = append(out, line)
		}
	}
	out = append(out, EncodeSentinel(VerbDumpNodes))
	return out
}

func dumpEdges(reg RegistryView) [][]byte {
	var out [][]byte
	for _, e := range reg.Edges() {
		line, err := EncodeTuple(VerbDumpEdges, reg.NameOf(e.From), reg.NameOf(e.To), fmt.Sprintf("%d", e.Weight))
		if err == nil {
			out = append(out, line)
		}
	}
	out = append(out, EncodeSentinel(VerbDumpEdges))
	return out
}

func dumpSubnets(reg RegistryView) [][]byte {
	var out [][]byte
	for _, s := range reg.Subnets() {
		line, err := EncodeTuple(VerbDumpSubnets, prefixString(s.Prefix), reg.NameOf(s.Owner))
		if err == nil {
			out = append(out, line)
		}
	}
	out = append(out, EncodeSentinel(VerbDumpSubnets))
	return out
}

func dumpConnections(reg RegistryView) [][]byte {
	var out [][]byte
	for _, c := range reg.Scan() {
		line, err := EncodeTuple(VerbDumpConns, c.Name, addrPortString(c.Address), fmt.Sprintf("%d", c.Status))
		if err == nil {
			out = append(out, line)
		}
	}
	out = append(out, EncodeSentinel(VerbDumpConns))
	return out
}

func prefixString(p netip.Prefix) string {
	if !p.IsValid() {
		return ""
	}
	return p.String()
}

func addrPortString(a netip.AddrPort) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
