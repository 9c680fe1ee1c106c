// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package meta implements the meta-protocol control mesh (spec.md
// §4.5, C5): per-connection authentication handshakes, line framing,
// request dispatch with broadcast-vs-point-to-point semantics, and
// reconnect backoff for connections meshd itself initiated.
//
// Every Connection's bytes are owned by exactly one goroutine: a
// background reader that only parses lines and forwards decoded events
// into internal/daemon's single main-loop goroutine, which is the only
// place topology and connection-registry state is mutated (spec.md
// §5). meta never touches the registry directly; it calls back into
// whatever Dispatcher the daemon supplies.
package meta

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/vpnmesh/meshd/internal/errs"
)

// encodeBytes renders binary payloads (sealed keys, nonces, hashes) as
// a single space-free token safe to embed in a meta-line.
func encodeBytes(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// MaxLineLength is the maximum length of a meta-line, terminator
// included (spec.md §4.5).
const MaxLineLength = 4096

// RequestCode identifies the meta-protocol message kind: the first
// token of every line.
type RequestCode int

const (
	ReqID RequestCode = iota
	ReqMetaKey
	ReqChallenge
	ReqChalReply
	ReqAck
	ReqAddNode
	ReqDelNode
	ReqAddSubnet
	ReqDelSubnet
	ReqAddEdge
	ReqDelEdge
	ReqKeyChanged
	ReqPing
	ReqPong
	ReqReqKey
	ReqAnsKey
	ReqStatus
	ReqError
	ReqTermreq

	// MaxRequest bounds valid request codes; anything >= MaxRequest in
	// an incoming line's first token is a protocol violation.
	MaxRequest
)

var requestNames = map[RequestCode]string{
	ReqID:         "ID",
	ReqMetaKey:    "METAKEY",
	ReqChallenge:  "CHALLENGE",
	ReqChalReply:  "CHAL_REPLY",
	ReqAck:        "ACK",
	ReqAddNode:    "ADD_NODE",
	ReqDelNode:    "DEL_NODE",
	ReqAddSubnet:  "ADD_SUBNET",
	ReqDelSubnet:  "DEL_SUBNET",
	ReqAddEdge:    "ADD_EDGE",
	ReqDelEdge:    "DEL_EDGE",
	ReqKeyChanged: "KEY_CHANGED",
	ReqPing:       "PING",
	ReqPong:       "PONG",
	ReqReqKey:     "REQ_KEY",
	ReqAnsKey:     "ANS_KEY",
	ReqStatus:     "STATUS",
	ReqError:      "ERROR",
	ReqTermreq:    "TERMREQ",
}

// String returns the request's symbolic name, e.g. "ADD_NODE", falling
// back to the raw integer for an out-of-range code.
func (r RequestCode) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REQ(%d)", int(r))
}

// Line is a decoded meta-protocol message: a request code and its
// remaining space-separated tokens.
type Line struct {
	Code RequestCode
	Args []string
}

// Rebroadcasts is the set of request codes that a rebroadcastable
// request fans out to every other authenticated connection verbatim,
// origin suppressed (spec.md §4.5).
var Rebroadcasts = map[RequestCode]bool{
	ReqAddNode:    true,
	ReqDelNode:    true,
	ReqAddSubnet:  true,
	ReqDelSubnet:  true,
	ReqAddEdge:    true,
	ReqDelEdge:    true,
	ReqKeyChanged: true,
}

// Encode renders code and args as a meta-line, terminator included.
// It never produces a line exceeding MaxLineLength for well-formed
// arguments — callers constructing lines from untrusted data (e.g.
// forwarding a peer's claimed subnet) should still check the result.
func Encode(code RequestCode, args ...string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(code)))
	for _, a := range args {
		if strings.ContainsAny(a, " \x00\n") {
			return nil, errs.New(errs.KindProtocol, "meta.Encode", fmt.Errorf("argument %q contains a space, NUL, or newline", a))
		}
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteByte('\n')

	line := []byte(b.String())
	if len(line) > MaxLineLength {
		return nil, errs.New(errs.KindProtocol, "meta.Encode", fmt.Errorf("encoded line is %d bytes, exceeds %d", len(line), MaxLineLength))
	}
	return line, nil
}

// Decode parses a single line (without its trailing newline) into a
// Line. It rejects embedded NULs and a first token that isn't a
// decimal integer in [0, MaxRequest) — both are protocol violations
// per spec.md §4.5.
func Decode(raw []byte) (Line, error) {
	if len(raw)+1 > MaxLineLength {
		return Line{}, errs.New(errs.KindProtocol, "meta.Decode", fmt.Errorf("line is %d bytes, exceeds %d", len(raw)+1, MaxLineLength))
	}
	for _, b := range raw {
		if b == 0 {
			return Line{}, errs.New(errs.KindProtocol, "meta.Decode", fmt.Errorf("line contains an embedded NUL"))
		}
	}

	tokens := strings.Split(string(raw), " ")
	if len(tokens) == 0 || tokens[0] == "" {
		return Line{}, errs.New(errs.KindProtocol, "meta.Decode", fmt.Errorf("empty line"))
	}

	code, err := strconv.Atoi(tokens[0])
	if err != nil || code < 0 || code >= int(MaxRequest) {
		return Line{}, errs.New(errs.KindProtocol, "meta.Decode", fmt.Errorf("invalid request code %q", tokens[0]))
	}

	return Line{Code: RequestCode(code), Args: tokens[1:]}, nil
}

// readLine reads a single '\n'-terminated line from r, enforcing
// MaxLineLength, and returns it without the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > MaxLineLength {
		return nil, errs.New(errs.KindProtocol, "meta.readLine", fmt.Errorf("line exceeds %d bytes", MaxLineLength))
	}
	return line[:len(line)-1], nil
}
