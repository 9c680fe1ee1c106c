// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package dataplane

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const defaultMTU = 1400

// TunUDP is the production Plane on Linux: a /dev/net/tun character
// device carries packets to and from the local host's network stack,
// and a net.UDPConn carries sealed packets to and from peers.
type TunUDP struct {
	tunFile *os.File
	udpConn *net.UDPConn

	counters atomicCounters

	cancel context.CancelFunc
	done   chan struct{}
}

type atomicCounters struct {
	tapPacketsIn, tapPacketsOut     atomic.Uint64
	tapBytesIn, tapBytesOut         atomic.Uint64
	socketPacketsIn, socketPacketsOut atomic.Uint64
	socketBytesIn, socketBytesOut   atomic.Uint64
}

func (a *atomicCounters) snapshot() Counters {
	return Counters{
		TapPacketsIn:     a.tapPacketsIn.Load(),
		TapPacketsOut:    a.tapPacketsOut.Load(),
		TapBytesIn:       a.tapBytesIn.Load(),
		TapBytesOut:      a.tapBytesOut.Load(),
		SocketPacketsIn:  a.socketPacketsIn.Load(),
		SocketPacketsOut: a.socketPacketsOut.Load(),
		SocketBytesIn:    a.socketBytesIn.Load(),
		SocketBytesOut:   a.socketBytesOut.Load(),
	}
}

// ifReq mirrors Linux's struct ifreq as used by the TUNSETIFF ioctl:
// a 16-byte interface name followed by a union whose first member
// (ifr_flags, an int16) is all TUNSETIFF needs.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags int16
	_     [22]byte
}

// Start opens /dev/net/tun, attaches it to cfg.InterfaceName in
// no-packet-information TUN mode, binds a UDP socket at
// cfg.ListenAddress, and launches the two reader goroutines.
func (t *TunUDP) Start(ctx context.Context, cfg Config) error {
	tunFile, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], cfg.InterfaceName)
	req.Flags = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, tunFile.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		tunFile.Close()
		return fmt.Errorf("TUNSETIFF on %s: %w", cfg.InterfaceName, errno)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		tunFile.Close()
		return fmt.Errorf("resolving %s: %w", cfg.ListenAddress, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tunFile.Close()
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddress, err)
	}

	t.tunFile = tunFile
	t.udpConn = udpConn
	t.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go t.readTun(runCtx, &wg, mtu)
	go t.readUDP(runCtx, &wg, cfg.Deliver, mtu)

	go func() {
		wg.Wait()
		close(t.done)
	}()

	return nil
}

func (t *TunUDP) readTun(ctx context.Context, wg *sync.WaitGroup, mtu int) {
	defer wg.Done()
	buf := make([]byte, mtu+4)
	for {
		n, err := t.tunFile.Read(buf)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.counters.tapPacketsIn.Add(1)
		t.counters.tapBytesIn.Add(uint64(n))
		_ = buf[:n] // packet read from the tun device is counted, then discarded.
	}
}

func (t *TunUDP) readUDP(ctx context.Context, wg *sync.WaitGroup, deliver func([]byte), mtu int) {
	defer wg.Done()
	buf := make([]byte, mtu+128) // headroom for AEAD overhead.
	for {
		n, _, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.counters.socketPacketsIn.Add(1)
		t.counters.socketBytesIn.Add(uint64(n))
		if deliver != nil {
			packet := make([]byte, n)
			copy(packet, buf[:n])
			deliver(packet)
		}
	}
}

// Stop closes the tun device and UDP socket, unblocking both reader
// goroutines, and waits for them to exit.
func (t *TunUDP) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	var errs []error
	if t.tunFile != nil {
		if err := t.tunFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.udpConn != nil {
		if err := t.udpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.done != nil {
		<-t.done
	}
	if len(errs) > 0 {
		return fmt.Errorf("stopping data plane: %v", errs)
	}
	return nil
}

// SendToPeer writes an already-sealed packet to addr over the UDP
// socket.
func (t *TunUDP) SendToPeer(addr string, packet []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", addr, err)
	}
	n, err := t.udpConn.WriteToUDP(packet, udpAddr)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", addr, err)
	}
	t.counters.socketPacketsOut.Add(1)
	t.counters.socketBytesOut.Add(uint64(n))
	return nil
}

// Counters returns a snapshot of accumulated counters.
func (t *TunUDP) Counters() Counters {
	return t.counters.snapshot()
}
