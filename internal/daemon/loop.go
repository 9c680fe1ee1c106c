// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vpnmesh/meshd/internal/checkpoint"
	"github.com/vpnmesh/meshd/internal/config"
	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/internal/dataplane"
	"github.com/vpnmesh/meshd/internal/meta"
	"github.com/vpnmesh/meshd/internal/pidlock"
	"github.com/vpnmesh/meshd/internal/topology"
	"github.com/vpnmesh/meshd/lib/clock"
	"github.com/vpnmesh/meshd/lib/netutil"
	"github.com/vpnmesh/meshd/transport"
)

// tickInterval is the main loop's housekeeping period, the practical
// floor under spec.md §4.7 step 3's "timeout = min(next-PING-due,
// next-reconnect-due, 1s)": nothing meshd schedules needs finer than
// one-second resolution.
const tickInterval = 1 * time.Second

// keyRolloverInterval is how often an authenticated connection's
// session key is force-rotated by broadcasting KEY_CHANGED (spec.md
// §4.7 step 5's default of one hour).
const keyRolloverInterval = 3600 * time.Second

// dialTimeout bounds a single outgoing TCP dial attempt.
const dialTimeout = 10 * time.Second

// defaultDataPlaneListen is used when Daemon.ListenAddress is unset.
const defaultDataPlaneListen = ":655"

// dialResult is how a background dial goroutine reports its outcome
// back to the main loop, which owns d.nextAttempt and must never block
// on network I/O itself.
type dialResult struct {
	name string
	err  error
}

// Daemon owns every long-lived piece C7's main loop coordinates: the
// meta-protocol connections, the topology registry (through Dispatcher),
// the data plane, the control channel, and the signal/crash-restart
// goroutines. Run is the only entry point; once it returns, the daemon
// has fully shut down and Shutdown has already unwound its resources.
type Daemon struct {
	State      *State
	Registry   *topology.Registry
	Dispatcher *Dispatcher
	Plane      dataplane.Plane
	Signals    *Signals
	Crash      *CrashRestart
	Control    *control.Server
	Engine     cryptoengine.Engine
	Self       meta.Identity
	Directory  meta.PeerDirectory
	Net        config.NetConfig
	Bootstrap  config.Bootstrap
	Paths      pidlock.Paths

	// MetaListener accepts inbound meta-protocol TCP connections. Run
	// starts Serve-ing it alongside the control channel and data plane;
	// nil disables inbound connections (tests that only dial out).
	MetaListener *transport.Listener

	// Dialer opens outgoing meta-protocol connections for reconnect
	// attempts. A zero-value *transport.Dialer is used if nil.
	Dialer *transport.Dialer

	// ListenAddress is the local UDP address the data plane binds for
	// encapsulated peer traffic. Defaults to defaultDataPlaneListen.
	ListenAddress string

	// Clock is the time source for the housekeeping ticker, reconnect
	// backoff scheduling, and key rollover. Nil defaults to clock.Real()
	// in Run; tests inject clock.Fake() to drive runHousekeeping and
	// reconnect scheduling without wall-clock sleeps.
	Clock clock.Clock

	Logger *slog.Logger

	events      chan meta.Event
	dialResults chan dialResult
	packets     chan []byte

	conns       map[string]*meta.Connection
	connIDs     map[string]topology.ConnectionID
	reconnect   map[string]*meta.Reconnector
	nextAttempt map[string]time.Time

	lastKeyRollover time.Time
}

// Run wires up the connection/event plumbing, starts every supervised
// goroutine under an errgroup, and blocks until the main loop decides
// to stop (State.Running goes false, or a supervised goroutine returns
// a fatal error). It always tears down cleanly via Shutdown before
// returning, whichever way it stopped.
func (d *Daemon) Run(ctx context.Context) error {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	d.events = make(chan meta.Event)
	d.dialResults = make(chan dialResult, 8)
	d.packets = make(chan []byte, 64)
	d.conns = make(map[string]*meta.Connection)
	d.connIDs = make(map[string]topology.ConnectionID)
	d.reconnect = make(map[string]*meta.Reconnector)
	d.nextAttempt = make(map[string]time.Time)
	d.lastKeyRollover = d.Clock.Now()

	g, gctx := errgroup.WithContext(ctx)

	stopSignals := make(chan struct{})
	g.Go(func() error {
		d.Signals.Run(stopSignals)
		return nil
	})

	stopCrash := make(chan struct{})
	if d.Crash != nil {
		g.Go(func() error {
			d.Crash.Run(stopCrash)
			return nil
		})
	}

	if d.Control != nil {
		g.Go(func() error {
			return d.Control.Serve(gctx)
		})
	}

	if d.MetaListener != nil {
		g.Go(func() error {
			return d.MetaListener.Serve(gctx, func(conn net.Conn) {
				mc := meta.NewConnection(conn, false, d.Engine, d.Self, d.Directory, d.events)
				go mc.Run(gctx, d.Logger)
			})
		})
	}

	if err := d.startPlane(gctx); err != nil && d.Logger != nil {
		d.Logger.Warn("starting data plane", "error", err)
	}

	d.seedSelf()

	for _, host := range d.Net.Hosts {
		if host.Name == d.Net.Self || host.Address == "" {
			continue
		}
		d.reconnect[host.Name] = meta.NewReconnector(host.Name)
		d.nextAttempt[host.Name] = d.Clock.Now()
	}

	loopErr := d.mainLoop(gctx)

	close(stopSignals)
	close(stopCrash)
	if d.Control != nil {
		d.Control.Close()
	}
	if d.MetaListener != nil {
		d.MetaListener.Close()
	}
	d.Shutdown()

	if loopErr != nil {
		return loopErr
	}
	return g.Wait()
}

// mainLoop is C7: a single goroutine, one select per iteration, never
// blocking on network I/O — every blocking operation (dialing, meta
// reads/writes, the control channel, the data plane) happens in its
// own goroutine and reports back over a channel.
func (d *Daemon) mainLoop(ctx context.Context) error {
	ticker := d.Clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for d.State.Running {
		checkpoint.Record()
		d.handleSignals(ctx, d.Signals.Drain())

		select {
		case <-ctx.Done():
			d.State.Running = false

		case ev := <-d.events:
			d.handleEvent(ev)

		case action := <-d.Dispatcher.Actions():
			if err := action(); err != nil && d.Logger != nil {
				d.Logger.Warn("control action failed", "error", err)
			}

		case <-d.Dispatcher.RetryRequested():
			for name := range d.nextAttempt {
				d.nextAttempt[name] = d.Clock.Now()
			}

		case res := <-d.dialResults:
			d.handleDialResult(res)

		case packet := <-d.packets:
			d.routePacket(packet)

		case <-ticker.C:
			d.runHousekeeping(ctx)
		}
	}
	return nil
}

func (d *Daemon) handleEvent(ev meta.Event) {
	if ev.Err != nil {
		if d.Logger != nil {
			if netutil.IsExpectedCloseError(ev.Err) {
				d.Logger.Debug("connection closed", "peer", ev.Conn.Name, "error", ev.Err)
			} else {
				d.Logger.Warn("connection error", "peer", ev.Conn.Name, "error", ev.Err)
			}
		}
		d.closeConnection(ev.Conn)
		return
	}

	if ev.Conn.Name != "" {
		if _, tracked := d.conns[ev.Conn.Name]; !tracked {
			d.trackConnection(ev.Conn)
		}
	}

	rebroadcast, err := d.Dispatcher.HandleLine(ev.Conn, ev.Line)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("meta line rejected", "peer", ev.Conn.Name, "error", err)
		}
		d.closeConnection(ev.Conn)
		return
	}

	if rebroadcast {
		d.broadcast(ev.Conn.Name, ev.Line)
	}
}

// trackConnection makes an authenticated connection visible to
// forwarding, rebroadcast, and the topology registry's nexthop
// computation. Called the first time an event arrives for a Name the
// main loop hasn't seen before — by construction, a Line only reaches
// d.events once its connection is past the handshake (meta.validate).
func (d *Daemon) trackConnection(conn *meta.Connection) {
	d.conns[conn.Name] = conn
	d.Dispatcher.RegisterConnection(conn.Name, conn)
	delete(d.nextAttempt, conn.Name)
	if r, ok := d.reconnect[conn.Name]; ok {
		r.Succeeded()
	}

	id, err := d.Registry.Insert(topology.Connection{
		Name:         conn.Name,
		Status:       topology.StatusActive | topology.StatusAuthenticated,
		LastActivity: d.Clock.Now(),
	})
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("registering connection", "peer", conn.Name, "error", err)
		}
		return
	}
	d.connIDs[conn.Name] = id
	d.Dispatcher.RefreshSnapshot()
	d.announceSelf(conn)
}

// seedSelf inserts our own node and claimed subnets into the registry
// at startup, so a node that has authenticated no peers yet still has
// a self entry for routePacket's local-subnet check and for the first
// announceSelf dump to describe. Re-running it is harmless:
// SetSelfIdentity rewrites the same two fields and AddSubnet is
// idempotent.
func (d *Daemon) seedSelf() {
	host, ok := d.Net.HostByName(d.Net.Self)
	if !ok {
		d.Registry.SetSelfIdentity(cryptoengine.Fingerprint(d.Self.PublicKey), netip.AddrPort{})
		return
	}

	addr, _ := netip.ParseAddrPort(host.Address)
	d.Registry.SetSelfIdentity(cryptoengine.Fingerprint(d.Self.PublicKey), addr)

	for _, raw := range host.Subnets {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			if d.Logger != nil {
				d.Logger.Warn("parsing self subnet", "subnet", raw, "error", err)
			}
			continue
		}
		if err := d.Registry.AddSubnet(d.Self.Name, prefix); err != nil && d.Logger != nil {
			d.Logger.Warn("adding self subnet", "subnet", raw, "error", err)
		}
	}
}

// announceSelf sends a newly authenticated connection everything it
// needs to rebuild our view of the mesh without waiting on broadcast
// propagation (spec.md §4.5's AUTHENTICATED-state step: "send ACK;
// dump local topology"): our own node and subnets, the edge this
// connection represents, and every other node/subnet/edge already in
// the registry. Point-to-point, not broadcast — conn hasn't been added
// to any other connection's view of the mesh yet, so nothing else
// needs to see these lines.
func (d *Daemon) announceSelf(conn *meta.Connection) {
	selfNode, ok := d.Registry.NodeByName(d.Self.Name)
	if !ok {
		return
	}
	conn.Send(meta.ReqAddNode, selfNode.Name, selfNode.KeyFingerprint, advertisedAddrString(selfNode.AdvertisedAddr))
	for _, s := range d.Registry.Subnets() {
		if d.Registry.NameOf(s.Owner) == d.Self.Name {
			conn.Send(meta.ReqAddSubnet, d.Self.Name, s.Prefix.String())
		}
	}
	conn.Send(meta.ReqAddEdge, d.Self.Name, conn.Name, "1", "0")

	for _, n := range d.Registry.Nodes() {
		if n.Name == d.Self.Name || n.Name == conn.Name {
			continue
		}
		conn.Send(meta.ReqAddNode, n.Name, n.KeyFingerprint, advertisedAddrString(n.AdvertisedAddr))
	}
	for _, s := range d.Registry.Subnets() {
		owner := d.Registry.NameOf(s.Owner)
		if owner == d.Self.Name || owner == conn.Name {
			continue
		}
		conn.Send(meta.ReqAddSubnet, owner, s.Prefix.String())
	}
	for _, e := range d.Registry.Edges() {
		from, to := d.Registry.NameOf(e.From), d.Registry.NameOf(e.To)
		if (from == d.Self.Name && to == conn.Name) || (from == conn.Name && to == d.Self.Name) {
			continue
		}
		conn.Send(meta.ReqAddEdge, from, to, strconv.Itoa(e.Weight), strconv.FormatUint(uint64(e.Options), 10))
	}
}

// advertisedAddrString renders an AddrPort for an ADD_NODE line, or ""
// for a node with no known advertised address (a behind-NAT host we've
// only ever seen dial in).
func advertisedAddrString(addr netip.AddrPort) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

func (d *Daemon) closeConnection(conn *meta.Connection) {
	conn.Close()
	name := conn.Name
	if name == "" {
		return
	}
	delete(d.conns, name)
	d.Dispatcher.UnregisterConnection(name)
	if id, ok := d.connIDs[name]; ok {
		d.Registry.Remove(id)
		delete(d.connIDs, name)
	}
	d.Dispatcher.RefreshSnapshot()

	if r, ok := d.reconnect[name]; ok && !r.Stopped() {
		d.nextAttempt[name] = d.Clock.Now().Add(r.NextDelay())
	}
}

// broadcast relays line to every authenticated connection except the
// one it arrived on (spec.md §4.5's flooding rule for topology
// updates). origin's connection ID may be unknown (e.g. a line handled
// before trackConnection ran); topology.BroadcastExcept treats any
// value with no matching live connection as "exclude nothing".
func (d *Daemon) broadcast(origin string, line meta.Line) {
	originID, ok := d.connIDs[origin]
	if !ok {
		originID = topology.ConnectionID(-1)
	}
	d.Registry.BroadcastExcept(originID, func(c topology.Connection) {
		conn, ok := d.conns[c.Name]
		if !ok {
			return
		}
		if err := conn.Send(line.Code, line.Args...); err != nil && d.Logger != nil {
			d.Logger.Warn("rebroadcast failed", "peer", c.Name, "error", err)
		}
	})
}

func (d *Daemon) handleDialResult(res dialResult) {
	if res.err == nil {
		return
	}
	if d.Logger != nil {
		d.Logger.Warn("dial failed", "peer", res.name, "error", res.err)
	}
	if r, ok := d.reconnect[res.name]; ok && !r.Stopped() {
		d.nextAttempt[res.name] = d.Clock.Now().Add(r.NextDelay())
	} else {
		d.nextAttempt[res.name] = d.Clock.Now().Add(meta.InitialBackoff)
	}
}

// handleSignals implements spec.md §4.2's per-signal semantics from the
// bitset Signals.Drain hands back once per tick.
func (d *Daemon) handleSignals(ctx context.Context, flags Flag) {
	if flags == 0 {
		return
	}
	if flags.Has(FlagTerm) || flags.Has(FlagQuit) || flags.Has(FlagInt) {
		d.State.Running = false
	}
	if flags.Has(FlagHup) {
		d.reload(ctx)
	}
	if flags.Has(FlagUsr1) {
		d.dumpTables()
	}
	if flags.Has(FlagUsr2) {
		d.Registry.PurgeUnreachable()
		d.Dispatcher.RefreshSnapshot()
		d.rotateAllKeys()
	}
	// FlagChld: meshd never forks subprocess scripts (spec.md
	// Non-goals), so there is nothing to reap.
}

// reload implements HUP: tear down every meta connection and the data
// plane, then bring the data plane back up. Reparsing the on-disk
// configuration is out of scope (internal/config's doc comment: no
// loader for per-host files is provided), so a HUP here re-homes
// connections against the already-loaded NetConfig rather than a fresh
// one — a caller that wants to pick up edited configuration restarts
// the process. A data plane that fails to come back up leaves the
// daemon in a degraded but still meta-connected state, logged as a
// warning rather than treated as fatal.
func (d *Daemon) reload(ctx context.Context) {
	if d.Logger != nil {
		d.Logger.Info("reload requested, tearing down connections")
	}

	for name, conn := range d.conns {
		conn.Send(meta.ReqTermreq)
		conn.Close()
		delete(d.conns, name)
		d.Dispatcher.UnregisterConnection(name)
		if id, ok := d.connIDs[name]; ok {
			d.Registry.Remove(id)
			delete(d.connIDs, name)
		}
	}
	d.Dispatcher.RefreshSnapshot()

	if d.Plane != nil {
		if err := d.Plane.Stop(); err != nil && d.Logger != nil {
			d.Logger.Warn("stopping data plane for reload", "error", err)
		}
		if err := d.startPlane(ctx); err != nil && d.Logger != nil {
			d.Logger.Warn("data plane degraded after reload", "error", err)
		}
	}

	for _, host := range d.Net.Hosts {
		if host.Name != d.Net.Self && host.Address != "" {
			d.nextAttempt[host.Name] = d.Clock.Now()
		}
	}
}

// dumpTables implements USR1: log the current topology at NOTICE
// (mapped to slog's Info level, per the ambient logging convention
// this daemon otherwise uses).
func (d *Daemon) dumpTables() {
	if d.Logger == nil {
		return
	}
	for _, n := range d.Registry.Nodes() {
		d.Logger.Info("topology node", "name", n.Name, "nexthop", n.Nexthop)
	}
	for _, e := range d.Registry.Edges() {
		d.Logger.Info("topology edge", "from", d.Registry.NameOf(e.From), "to", d.Registry.NameOf(e.To), "weight", e.Weight)
	}
	for _, s := range d.Registry.Subnets() {
		d.Logger.Info("topology subnet", "prefix", s.Prefix, "owner", d.Registry.NameOf(s.Owner))
	}
	for _, c := range d.Registry.Scan() {
		d.Logger.Info("topology connection", "name", c.Name, "status", c.Status)
	}
}

// rotateAllKeys forces a session-key rollover by announcing
// KEY_CHANGED for our own name to every authenticated peer, matching
// the USR2 and periodic key-rollover behavior spec.md §4.2 and
// §4.7 describe. Peers that see it are expected to REQ_KEY us again.
func (d *Daemon) rotateAllKeys() {
	for name, conn := range d.conns {
		if err := conn.Send(meta.ReqKeyChanged, d.Self.Name); err != nil && d.Logger != nil {
			d.Logger.Warn("key rollover announcement failed", "peer", name, "error", err)
		}
	}
}

// runHousekeeping implements spec.md §4.7 step 5's timed tasks: PING
// liveness checks, reconnect attempts due this tick, and the periodic
// key rollover.
func (d *Daemon) runHousekeeping(ctx context.Context) {
	now := d.Clock.Now()
	pingInterval := d.Bootstrap.PingInterval()
	pongTimeout := d.Bootstrap.PongTimeout()

	for name, conn := range d.conns {
		idle := conn.IdleSince()
		switch {
		case idle > pingInterval+pongTimeout:
			if d.Logger != nil {
				d.Logger.Warn("connection timed out", "peer", name, "idle", idle)
			}
			d.closeConnection(conn)
		case idle > pingInterval:
			conn.Send(meta.ReqPing)
		}
	}

	for name, next := range d.nextAttempt {
		if now.Before(next) {
			continue
		}
		if _, connected := d.conns[name]; connected {
			delete(d.nextAttempt, name)
			continue
		}
		host, ok := d.Net.HostByName(name)
		if !ok || host.Address == "" {
			delete(d.nextAttempt, name)
			continue
		}
		d.nextAttempt[name] = now.Add(meta.MaxBackoff)
		d.dial(ctx, name, host.Address)
	}

	if now.Sub(d.lastKeyRollover) >= keyRolloverInterval {
		d.rotateAllKeys()
		d.lastKeyRollover = now
	}
}

// dial attempts one outgoing connection to name at address in its own
// goroutine, reporting the outcome back through d.dialResults so the
// main loop never blocks on network I/O.
func (d *Daemon) dial(ctx context.Context, name, address string) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &transport.Dialer{Timeout: dialTimeout}
	}
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := dialer.DialContext(dialCtx, address)
		if err != nil {
			d.dialResults <- dialResult{name: name, err: err}
			return
		}
		mc := meta.NewConnection(conn, true, d.Engine, d.Self, d.Directory, d.events)
		go mc.Run(ctx, d.Logger)
		d.dialResults <- dialResult{name: name}
	}()
}

func (d *Daemon) startPlane(ctx context.Context) error {
	if d.Plane == nil {
		return nil
	}
	listen := d.ListenAddress
	if listen == "" {
		listen = defaultDataPlaneListen
	}
	cfg := dataplane.Config{
		InterfaceName: fmt.Sprintf("meshd-%s", d.Net.Name),
		MTU:           1400,
		ListenAddress: listen,
		Deliver:       d.deliver,
	}
	return d.Plane.Start(ctx, cfg)
}

// deliver runs on the Plane's own goroutine (per dataplane.Config's
// doc comment), never on the main loop, so it only ever hands the
// packet off through d.packets rather than touching the registry
// itself. A full inbound queue means routing can't keep up; the packet
// is dropped rather than blocking the data plane's reader.
func (d *Daemon) deliver(packet []byte) {
	select {
	case d.packets <- packet:
	default:
	}
}

// routePacket looks up the owner of packet's destination subnet and
// forwards it to that owner's advertised address over the data plane.
// Packets whose destination isn't covered by any claimed subnet are
// dropped, matching dataplane.Config.Deliver's documented contract.
// Only ever called from the main loop.
func (d *Daemon) routePacket(packet []byte) {
	dst, ok := destinationAddr(packet)
	if !ok {
		return
	}

	var owner topology.NodeIndex
	found := false
	for _, s := range d.Registry.Subnets() {
		if s.Prefix.Contains(dst) {
			owner, found = s.Owner, true
			break
		}
	}
	if !found {
		return
	}

	ownerName := d.Registry.NameOf(owner)
	node, ok := d.Registry.NodeByName(ownerName)
	if !ok || !node.AdvertisedAddr.IsValid() {
		return
	}

	if err := d.Plane.SendToPeer(node.AdvertisedAddr.String(), packet); err != nil && d.Logger != nil {
		d.Logger.Warn("forwarding packet", "owner", ownerName, "error", err)
	}
}

// destinationAddr extracts the destination address from an IPv4 or
// IPv6 packet's header, reporting false for anything shorter than a
// minimal header or with an unrecognized version nibble.
func destinationAddr(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(packet[16:20])
	case 6:
		if len(packet) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(packet[24:40])
	default:
		return netip.Addr{}, false
	}
}
