// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"strings"
	"testing"
)

func TestDumpTrafficFormatsCounters(t *testing.T) {
	h := newFakeHooks()
	lines := dumpTraffic(h.reg)
	if len(lines) != 3 { // gw-ams (self) + gw-fra + sentinel
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	req, err := Decode(lines[0][:len(lines[0])-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(req.Args) != 6 {
		t.Fatalf("DUMP_TRAFFIC tuple has %d fields, want 6", len(req.Args))
	}
}

func TestMaybeCompressLeavesSmallBodyAlone(t *testing.T) {
	body := []byte("CONTROL DUMP_NODES gw-fra fp1 1.2.3.4:0\n")
	header, payload, compressed, err := maybeCompress(body)
	if err != nil {
		t.Fatalf("maybeCompress: %v", err)
	}
	if compressed || header != nil {
		t.Error("a body under the threshold should not be compressed")
	}
	if !bytes.Equal(payload, body) {
		t.Error("uncompressed payload should equal the input body")
	}
}

func TestMaybeCompressAndDecompressRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("CONTROL DUMP_NODES gw-fra fp1 1.2.3.4:0\n", 1000))
	header, payload, compressed, err := maybeCompress(body)
	if err != nil {
		t.Fatalf("maybeCompress: %v", err)
	}
	if !compressed {
		t.Fatal("a body over the threshold should be compressed")
	}
	req, err := Decode(header[:len(header)-1])
	if err != nil || req.Verb != VerbControl || req.Args[0] != "GZIP" {
		t.Fatalf("header = %q", header)
	}

	out, err := Decompress(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Error("Decompress(maybeCompress(body)) should round-trip")
	}
}
