// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"testing"

	"github.com/vpnmesh/meshd/internal/topology"
)

func TestHandleStopCallsHook(t *testing.T) {
	h := newFakeHooks()
	resp, err := handle(Request{Verb: VerbStop}, h)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := Decode(resp[:len(resp)-1])
	if req.Verb != VerbAck {
		t.Errorf("response = %q, want ACK", resp)
	}
	if !h.stopped {
		t.Error("hooks.Stop should have been called")
	}
}

func TestHandleStopFailurePropagatesAsError(t *testing.T) {
	h := newFakeHooks()
	h.failNextStop = true
	resp, err := handle(Request{Verb: VerbStop}, h)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := Decode(resp[:len(resp)-1])
	if req.Verb != VerbError {
		t.Errorf("response = %q, want ERROR", resp)
	}
}

func TestHandleSetDebugParsesLevel(t *testing.T) {
	h := newFakeHooks()
	_, err := handle(Request{Verb: VerbSetDebug, Args: []string{"4"}}, h)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.debugLevel != 4 {
		t.Errorf("debugLevel = %d, want 4", h.debugLevel)
	}
}

func TestHandleSetDebugRejectsOutOfRange(t *testing.T) {
	h := newFakeHooks()
	resp, err := handle(Request{Verb: VerbSetDebug, Args: []string{"9"}}, h)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, _ := Decode(resp[:len(resp)-1])
	if req.Verb != VerbError {
		t.Errorf("response = %q, want ERROR for out-of-range level", resp)
	}
}

func TestHandleUnknownVerbErrors(t *testing.T) {
	h := newFakeHooks()
	if _, err := handle(Request{Verb: Verb("BOGUS")}, h); err == nil {
		t.Fatal("handle should reject an unknown verb")
	}
}

func TestDumpEdgesUsesNames(t *testing.T) {
	h := newFakeHooks()
	lines, err := dumpLines(Request{Verb: VerbDumpEdges}, h)
	if err != nil {
		t.Fatalf("dumpLines: %v", err)
	}
	req, err := Decode(lines[0][:len(lines[0])-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Args[1] != "gw-ams" || req.Args[2] != "gw-fra" {
		t.Errorf("edge tuple = %+v, want gw-ams -> gw-fra", req.Args)
	}
}

func TestDumpSubnetsUsesOwnerName(t *testing.T) {
	h := newFakeHooks()
	lines, err := dumpLines(Request{Verb: VerbDumpSubnets}, h)
	if err != nil {
		t.Fatalf("dumpLines: %v", err)
	}
	req, _ := Decode(lines[0][:len(lines[0])-1])
	if req.Args[2] != "gw-fra" {
		t.Errorf("subnet tuple = %+v, want owner gw-fra", req.Args)
	}
}

func TestDumpConnectionsOnEmptyRegistry(t *testing.T) {
	reg := topology.New(nil, "gw-ams")
	h := &fakeHooks{reg: reg}
	lines, err := dumpLines(Request{Verb: VerbDumpConns}, h)
	if err != nil {
		t.Fatalf("dumpLines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want just the sentinel", len(lines))
	}
}

func TestDumpLinesRejectsNonDumpVerb(t *testing.T) {
	h := newFakeHooks()
	if _, err := dumpLines(Request{Verb: VerbStop}, h); err == nil {
		t.Fatal("dumpLines should reject a non-dump verb")
	}
}
