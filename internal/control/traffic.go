// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressThreshold is the response-body size above which a dump is
// gzipped before being written to the client, per a net with hundreds
// of nodes producing a DUMP_NODES or DUMP_TRAFFIC body large enough
// that shipping it flat would dominate the session's time on the wire.
const compressThreshold = 16 * 1024

// dumpTraffic renders one CONTROL DUMP_TRAFFIC tuple per node, summing
// tap and socket counters into the in/out pairs spec.md's wire example
// shows, followed by the zero-operand sentinel.
func dumpTraffic(reg RegistryView) [][]byte {
	var out [][]byte
	for _, n := range reg.Nodes() {
		c := n.Counters
		inPkts := c.TapPacketsIn + c.SocketPacketsIn
		inBytes := c.TapBytesIn + c.SocketBytesIn
		outPkts := c.TapPacketsOut + c.SocketPacketsOut
		outBytes := c.TapBytesOut + c.SocketBytesOut

		line, err := EncodeTuple(VerbDumpTraffic, n.Name,
			fmt.Sprintf("%d", inPkts), fmt.Sprintf("%d", inBytes),
			fmt.Sprintf("%d", outPkts), fmt.Sprintf("%d", outBytes))
		if err == nil {
			out = append(out, line)
		}
	}
	out = append(out, EncodeSentinel(VerbDumpTraffic))
	return out
}

// maybeCompress gzips body when it exceeds compressThreshold, writing
// a one-line "CONTROL GZIP <n>" header the client reads before
// switching its reader into gzip mode. Below the threshold, body is
// returned untouched and no header is written — a small DUMP_NODES on
// a two-node net shouldn't pay gzip's framing overhead.
func maybeCompress(body []byte) (header []byte, payload []byte, compressed bool, err error) {
	if len(body) < compressThreshold {
		return nil, body, false, nil
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, nil, false, fmt.Errorf("control.maybeCompress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, false, fmt.Errorf("control.maybeCompress: %w", err)
	}

	header, err = Encode(VerbControl, "GZIP", fmt.Sprintf("%d", buf.Len()))
	if err != nil {
		return nil, nil, false, err
	}
	return header, buf.Bytes(), true, nil
}

// Decompress reverses maybeCompress on the reading side.
// internal/observer's client (which cmd/meshctl and cmd/meshtop use)
// calls this once it sees a leading "CONTROL GZIP <n>" header on a dump
// response.
func Decompress(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("control.Decompress: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
