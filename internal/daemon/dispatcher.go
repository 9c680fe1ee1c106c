// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/errs"
	"github.com/vpnmesh/meshd/internal/meta"
	"github.com/vpnmesh/meshd/internal/topology"
)

// Dispatcher is the single place that turns decoded meta-protocol
// lines (meta.Dispatcher) and control-channel requests (control.Hooks)
// into topology.Registry mutations. Its meta.Dispatcher half is only
// ever called from the main loop goroutine, per internal/meta's own
// contract; its control.Hooks half is called from control-channel
// session goroutines, so every Hooks method except Registry and Retry
// routes through actions, a queue the main loop takes from, rather than
// touching reg directly; Retry only signals retryNow.
type Dispatcher struct {
	reg   *topology.Registry
	state *State
	signals *Signals

	conns map[string]*meta.Connection

	snapshot atomic.Pointer[registrySnapshot]

	actions  chan func() error
	retryNow chan struct{}
}

// NewDispatcher builds a Dispatcher over reg, publishing its first
// snapshot immediately so an early control-channel DUMP_* request
// never sees a nil Registry() before the main loop's first iteration.
func NewDispatcher(reg *topology.Registry, state *State, signals *Signals) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		state:    state,
		signals:  signals,
		conns:    make(map[string]*meta.Connection),
		actions:  make(chan func() error, 8),
		retryNow: make(chan struct{}, 1),
	}
	d.RefreshSnapshot()
	return d
}

// RefreshSnapshot publishes a fresh immutable view of reg for
// control-channel reads. Call once per main-loop iteration that
// mutated the registry — never concurrently with another call, since
// newRegistrySnapshot reads reg without locking.
func (d *Dispatcher) RefreshSnapshot() {
	d.snapshot.Store(newRegistrySnapshot(d.reg))
}

// Actions returns the channel the main loop selects on to run queued
// control-channel lifecycle requests on its own goroutine.
func (d *Dispatcher) Actions() <-chan func() error { return d.actions }

// RetryRequested returns the channel the main loop selects on to learn
// that RETRY was requested over the control channel.
func (d *Dispatcher) RetryRequested() <-chan struct{} { return d.retryNow }

// RegisterConnection makes conn visible to HandleLine's point-to-point
// forwarding (REQ_KEY/ANS_KEY/STATUS/ERROR) under name. Call once a
// connection reaches StateAuthenticated; call UnregisterConnection when
// it closes.
func (d *Dispatcher) RegisterConnection(name string, conn *meta.Connection) {
	d.conns[name] = conn
}

// UnregisterConnection drops name from the forwarding table.
func (d *Dispatcher) UnregisterConnection(name string) {
	delete(d.conns, name)
}

func (d *Dispatcher) enqueue(fn func() error) error {
	done := make(chan error, 1)
	select {
	case d.actions <- func() error { err := fn(); done <- err; return err }:
	default:
		return errs.New(errs.KindIO, "daemon.Dispatcher.enqueue", fmt.Errorf("action queue is full"))
	}
	return <-done
}

// --- control.Hooks ---

// Stop queues the main loop's shutdown flag (spec.md §4.6 STOP,
// equivalent to SIGTERM).
func (d *Dispatcher) Stop() error {
	return d.enqueue(func() error {
		d.state.Running = false
		return nil
	})
}

// Reload raises FlagHup, driving the same tear-down/bring-up path
// SIGHUP does, without rereading configuration (spec.md §4.6: "RELOAD → equivalent to SIGHUP").
func (d *Dispatcher) Reload() error {
	return d.enqueue(func() error {
		d.signals.Raise(FlagHup)
		return nil
	})
}

// Purge drops cached address information for unreachable nodes
// (spec.md §4.6 PURGE).
func (d *Dispatcher) Purge() error {
	return d.enqueue(func() error {
		d.reg.PurgeUnreachable()
		d.RefreshSnapshot()
		return nil
	})
}

// SetDebug changes the running debug level (spec.md §4.6 SET_DEBUG).
func (d *Dispatcher) SetDebug(level int) error {
	return d.enqueue(func() error {
		d.state.Debug = level
		return nil
	})
}

// Retry forces an immediate reconnect attempt on every connection
// currently backed off (spec.md §4.6 RETRY). Unlike the other hooks,
// this doesn't need reg or state, so it's a plain non-blocking signal
// rather than a round trip through actions.
func (d *Dispatcher) Retry() error {
	select {
	case d.retryNow <- struct{}{}:
	default:
	}
	return nil
}

// Registry returns the most recently published snapshot. Safe to call
// from any goroutine.
func (d *Dispatcher) Registry() control.RegistryView {
	return d.snapshot.Load()
}

// --- meta.Dispatcher ---

// HandleLine applies one post-authentication meta-protocol line to the
// registry, returning whether it should be rebroadcast to every other
// authenticated connection (spec.md §4.5's broadcast rule). Called
// only from the main loop goroutine.
func (d *Dispatcher) HandleLine(conn *meta.Connection, line meta.Line) (bool, error) {
	switch line.Code {
	case meta.ReqAddNode:
		var addr netip.AddrPort
		if len(line.Args) >= 3 {
			addr, _ = netip.ParseAddrPort(line.Args[2])
		}
		d.reg.AddNode(line.Args[0], line.Args[1], addr)

	case meta.ReqDelNode:
		d.reg.DelNode(line.Args[0])

	case meta.ReqAddSubnet:
		prefix, err := netip.ParsePrefix(line.Args[1])
		if err != nil {
			return false, errs.Wrap(errs.KindProtocol, "daemon.Dispatcher.HandleLine", line.Args[0], err)
		}
		if err := d.reg.AddSubnet(line.Args[0], prefix); err != nil {
			return false, err
		}

	case meta.ReqDelSubnet:
		prefix, err := netip.ParsePrefix(line.Args[1])
		if err != nil {
			return false, errs.Wrap(errs.KindProtocol, "daemon.Dispatcher.HandleLine", line.Args[0], err)
		}
		d.reg.DelSubnet(line.Args[0], prefix)

	case meta.ReqAddEdge:
		weight, _ := strconv.Atoi(line.Args[2])
		options, _ := strconv.ParseUint(line.Args[3], 10, 32)
		if err := d.reg.AddEdge(line.Args[0], line.Args[1], weight, uint32(options)); err != nil {
			return false, err
		}

	case meta.ReqDelEdge:
		d.reg.DelEdge(line.Args[0], line.Args[1])

	case meta.ReqKeyChanged:
		// A bare notification: nothing to mutate, rebroadcast handles
		// fanning the announcement out.

	case meta.ReqPing:
		return false, conn.Send(meta.ReqPong)

	case meta.ReqPong:
		// Liveness tracking already ran in the reader loop (touch())
		// before this line reached the main loop; nothing more to do.

	case meta.ReqReqKey, meta.ReqAnsKey, meta.ReqStatus, meta.ReqError:
		return false, d.forward(line)

	case meta.ReqTermreq:
		return false, conn.Close()

	default:
		return false, errs.New(errs.KindProtocol, "daemon.Dispatcher.HandleLine", fmt.Errorf("unhandled request code %s", line.Code))
	}

	rebroadcast := meta.Rebroadcasts[line.Code]
	if rebroadcast {
		d.RefreshSnapshot()
	}
	return rebroadcast, nil
}

// forward relays a point-to-point line (REQ_KEY, ANS_KEY, STATUS,
// ERROR) to the destination named in its first argument. meshd has no
// store-and-forward path: if the destination isn't one of our direct
// connections, the request is silently dropped, matching tinc's
// behavior of only relaying these one hop.
func (d *Dispatcher) forward(line meta.Line) error {
	if len(line.Args) == 0 {
		return errs.New(errs.KindProtocol, "daemon.Dispatcher.forward", fmt.Errorf("%s requires a destination argument", line.Code))
	}
	dest, ok := d.conns[line.Args[0]]
	if !ok {
		return nil
	}
	return dest.Send(line.Code, line.Args...)
}
