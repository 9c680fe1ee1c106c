// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/internal/errs"
	"github.com/vpnmesh/meshd/lib/clock"
	"github.com/vpnmesh/meshd/lib/netutil"
)

// Event is what a Connection's reader goroutine sends to the owning
// main loop: a decoded, post-handshake Line ready for Dispatcher, or a
// terminal error that means the connection is gone.
type Event struct {
	Conn *Connection
	Line Line
	Err  error
}

// Connection wraps one meta-protocol socket: a background reader
// goroutine that only parses bytes and forwards Events over a shared
// channel, and a background writer goroutine that drains an outbound
// queue, so a synchronous write never deadlocks against a synchronous
// read on the same socket for the life of the connection.
type Connection struct {
	Name    string // set once the handshake learns the peer's claimed name.
	Outgoing bool

	// SessionID identifies this connection across its lifetime for log
	// correlation — the same role internal/control's per-session UUID
	// plays, minted once here rather than derived from the socket, since
	// a reconnect to the same peer gets a fresh SessionID rather than
	// reusing its predecessor's.
	SessionID uuid.UUID

	conn    net.Conn
	events  chan<- Event
	limiter *rate.Limiter

	handshake *Handshake

	mu         sync.Mutex
	outbox     chan []byte
	lastActive time.Time
	closed     bool

	clock  clock.Clock
	cancel context.CancelFunc
}

// NewConnection wraps conn, starting its handshake as outgoing or
// accepting. events is the shared channel into the main loop; every
// Connection in a daemon shares the same one.
func NewConnection(conn net.Conn, outgoing bool, engine cryptoengine.Engine, self Identity, dir PeerDirectory, events chan<- Event) *Connection {
	hs := NewHandshake(engine, self, dir, outgoing)
	if outgoing {
		// line produced by Start() is sent once Run is called, below.
	} else {
		hs.Accept()
	}
	c := clock.Real()
	return &Connection{
		Outgoing:   outgoing,
		SessionID:  uuid.New(),
		conn:       conn,
		events:     events,
		limiter:    newLineLimiter(),
		handshake:  hs,
		outbox:     make(chan []byte, 64),
		lastActive: c.Now(),
		clock:      c,
	}
}

// SetClock overrides the connection's time source, for tests that need
// to control IdleSince without wall-clock sleeps. Must be called before
// Run.
func (c *Connection) SetClock(clk clock.Clock) {
	c.clock = clk
}

// Run starts the connection's reader and writer goroutines and blocks
// until the connection closes. Call it in its own goroutine per
// connection; it never touches shared daemon state directly — only
// through the Event values it sends on events.
func (c *Connection) Run(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go c.writeLoop(ctx, &wg)

	if c.Outgoing {
		line, err := c.handshake.Start()
		if err != nil {
			c.emitErr(err)
			cancel()
			wg.Wait()
			return
		}
		c.enqueue(line)
	}

	c.readLoop(ctx, logger)
	cancel()
	wg.Wait()
}

func (c *Connection) readLoop(ctx context.Context, logger *slog.Logger) {
	reader := bufio.NewReaderSize(c.conn, MaxLineLength+1)
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := readLine(reader)
		if err != nil {
			// An expected close (EOF, net.ErrClosed, ECONNRESET/EPIPE) means
			// either the peer hung up or Close was called on us; the caller
			// still needs the Event to clean up tracking state, just not
			// wrapped as a protocol-layer error.
			if netutil.IsExpectedCloseError(err) {
				c.emitErr(err)
			} else {
				c.emitErr(errs.Wrap(errs.KindIO, "meta.Connection.readLoop", c.Name, err))
			}
			return
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		line, err := Decode(raw)
		if err != nil {
			c.emitErr(err)
			return
		}

		c.touch()

		state := c.State()
		if state != StateAuthenticated && state != StateActive {
			replies, err := c.advance(line)
			if err != nil {
				c.emitErr(err)
				return
			}
			if peer := c.handshakePeerName(); c.Name == "" && peer != "" {
				c.Name = peer
			}
			for _, reply := range replies {
				c.enqueue(reply)
			}
			continue
		}

		if line.Code == ReqAck {
			c.advance(line)
			continue
		}

		if err := validate(state, line); err != nil {
			c.emitErr(err)
			return
		}

		select {
		case c.events <- Event{Conn: c, Line: line}:
		case <-ctx.Done():
			return
		}
		if logger != nil {
			logger.Debug("meta line received", "peer", c.Name, "session", c.SessionID, "code", line.Code.String())
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case data := <-c.outbox:
			if _, err := c.conn.Write(data); err != nil {
				c.emitErr(errs.Wrap(errs.KindIO, "meta.Connection.writeLoop", c.Name, err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue queues data for the writer goroutine, dropping it (and
// logging via an error event) if the outbox is full rather than
// blocking the reader.
func (c *Connection) enqueue(data []byte) {
	select {
	case c.outbox <- data:
	default:
		c.emitErr(errs.New(errs.KindIO, "meta.Connection.enqueue", fmt.Errorf("outbound queue full for %s, dropping line", c.Name)))
	}
}

// Send encodes code and args and queues the line for delivery — the entry point
// internal/daemon's main loop uses to push broadcasts and
// point-to-point replies onto this connection.
func (c *Connection) Send(code RequestCode, args ...string) error {
	line, err := Encode(code, args...)
	if err != nil {
		return err
	}
	c.enqueue(line)
	return nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = c.clock.Now()
	c.mu.Unlock()
}

// IdleSince returns how long it has been since the last line was
// received on this connection.
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Sub(c.lastActive)
}

func (c *Connection) emitErr(err error) {
	select {
	case c.events <- Event{Conn: c, Err: err}:
	default:
	}
}

// Close closes the underlying socket and stops both goroutines.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	return c.conn.Close()
}

// State returns the connection's handshake state. Safe to call from
// any goroutine, including the main loop's housekeeping pass over all
// connections while the reader goroutine concurrently advances it.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake.State()
}

// SessionKey returns the negotiated session key, valid once State is
// StateAuthenticated or StateActive.
func (c *Connection) SessionKey() cryptoengine.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake.SessionKey()
}

// advance feeds line into the handshake under c.mu, matching the
// synchronization State and SessionKey use for cross-goroutine reads.
func (c *Connection) advance(line Line) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake.Advance(line)
}

func (c *Connection) handshakePeerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake.PeerName()
}
