// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package dataplane

import "testing"

func TestNullStartStop(t *testing.T) {
	var plane Null
	if err := plane.Start(t.Context(), Config{InterfaceName: "meshd0"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := plane.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNullStartTwiceFails(t *testing.T) {
	var plane Null
	if err := plane.Start(t.Context(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := plane.Start(t.Context(), Config{}); err == nil {
		t.Error("Start should fail when already running")
	}
}

func TestNullSendToPeerBeforeStartFails(t *testing.T) {
	var plane Null
	if err := plane.SendToPeer("10.0.0.1:655", []byte("packet")); err == nil {
		t.Error("SendToPeer should fail before Start")
	}
}

func TestNullSendToPeerCounters(t *testing.T) {
	var plane Null
	if err := plane.Start(t.Context(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := plane.SendToPeer("10.0.0.1:655", []byte("hello")); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}

	counters := plane.Counters()
	if counters.SocketPacketsOut != 1 {
		t.Errorf("SocketPacketsOut = %d, want 1", counters.SocketPacketsOut)
	}
	if counters.SocketBytesOut != 5 {
		t.Errorf("SocketBytesOut = %d, want 5", counters.SocketBytesOut)
	}
}

func TestNullDeliverInvokesCallbackAndCounters(t *testing.T) {
	var plane Null
	var received []byte
	err := plane.Start(t.Context(), Config{
		Deliver: func(packet []byte) { received = packet },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	plane.Deliver([]byte("ip packet"))

	if string(received) != "ip packet" {
		t.Errorf("Deliver callback got %q, want %q", received, "ip packet")
	}
	if plane.Counters().TapPacketsIn != 1 {
		t.Errorf("TapPacketsIn = %d, want 1", plane.Counters().TapPacketsIn)
	}
}

func TestCountersAdd(t *testing.T) {
	a := Counters{TapPacketsIn: 1, SocketBytesOut: 10}
	b := Counters{TapPacketsIn: 2, SocketBytesOut: 20}

	sum := a.Add(b)
	if sum.TapPacketsIn != 3 {
		t.Errorf("TapPacketsIn = %d, want 3", sum.TapPacketsIn)
	}
	if sum.SocketBytesOut != 30 {
		t.Errorf("SocketBytesOut = %d, want 30", sum.SocketBytesOut)
	}
}
