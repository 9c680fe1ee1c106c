// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the local administration channel (spec.md
// §4.6, C6): a privileged, line-oriented protocol over a Unix-domain
// socket that only the socket's owning user may connect to. Framing
// mirrors internal/meta's (ASCII, space-separated, newline-terminated,
// 4096-byte cap) but the codeset is textual keywords rather than
// decimal request codes, matching spec.md §4.6's literal wire examples.
package control

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/vpnmesh/meshd/internal/errs"
)

// MaxLineLength mirrors internal/meta.MaxLineLength; DUMP_NODES on a
// large net is the one place a control-channel line could grow
// unbounded, which is why traffic.go streams one tuple per line rather
// than folding a whole dump into a single line.
const MaxLineLength = 4096

// Magic is the literal token a client must present on its greeting
// line. A daemon on an unrelated net, or a stray connection from
// something that isn't meshctl/meshtop, is rejected immediately.
const Magic = "meshd-control-1"

// ProtocolVersion is the version token the daemon announces in its
// own greeting line ("CONTROL <version> <pid>").
const ProtocolVersion = "1"

// Verb identifies a control-channel request or response keyword.
type Verb string

const (
	VerbControl     Verb = "CONTROL"
	VerbStop        Verb = "STOP"
	VerbReload      Verb = "RELOAD"
	VerbDumpNodes   Verb = "DUMP_NODES"
	VerbDumpEdges   Verb = "DUMP_EDGES"
	VerbDumpSubnets Verb = "DUMP_SUBNETS"
	VerbDumpConns   Verb = "DUMP_CONNECTIONS"
	VerbDumpTraffic Verb = "DUMP_TRAFFIC"
	VerbPurge       Verb = "PURGE"
	VerbSetDebug    Verb = "SET_DEBUG"
	VerbRetry       Verb = "RETRY"
	VerbAck         Verb = "ACK"
	VerbError       Verb = "ERROR"
)

// dumpVerbs are the requests answered with a stream of CONTROL-prefixed
// tuples terminated by a zero-operand sentinel of the same verb.
var dumpVerbs = map[Verb]bool{
	VerbDumpNodes:   true,
	VerbDumpEdges:   true,
	VerbDumpSubnets: true,
	VerbDumpConns:   true,
	VerbDumpTraffic: true,
}

// IsDump reports whether verb is answered with a sentinel-terminated
// stream rather than a single ACK/ERROR line.
func IsDump(verb Verb) bool { return dumpVerbs[verb] }

// Request is one decoded client line: a verb and its arguments.
type Request struct {
	Verb Verb
	Args []string
}

// Encode renders verb and args as a single line, terminator included.
func Encode(verb Verb, args ...string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(string(verb))
	for _, a := range args {
		if strings.ContainsAny(a, " \x00\n") {
			return nil, errs.New(errs.KindProtocol, "control.Encode", fmt.Errorf("argument %q contains a space, NUL, or newline", a))
		}
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteByte('\n')

	line := []byte(b.String())
	if len(line) > MaxLineLength {
		return nil, errs.New(errs.KindProtocol, "control.Encode", fmt.Errorf("encoded line is %d bytes, exceeds %d", len(line), MaxLineLength))
	}
	return line, nil
}

// EncodeSentinel renders the zero-operand terminator line for a dump
// block, e.g. "CONTROL DUMP_NODES".
func EncodeSentinel(verb Verb) []byte {
	line, _ := Encode(VerbControl, string(verb))
	return line
}

// EncodeTuple renders one CONTROL-prefixed tuple within a dump block,
// e.g. "CONTROL DUMP_TRAFFIC alpha 10 2048 4 512".
func EncodeTuple(verb Verb, fields ...string) ([]byte, error) {
	args := append([]string{string(verb)}, fields...)
	return Encode(VerbControl, args...)
}

// Decode parses a single line (without its trailing newline) into a
// Request. Unlike internal/meta, the verb is the literal first token,
// not a numeric code.
func Decode(raw []byte) (Request, error) {
	if len(raw)+1 > MaxLineLength {
		return Request{}, errs.New(errs.KindProtocol, "control.Decode", fmt.Errorf("line is %d bytes, exceeds %d", len(raw)+1, MaxLineLength))
	}
	for _, b := range raw {
		if b == 0 {
			return Request{}, errs.New(errs.KindProtocol, "control.Decode", fmt.Errorf("line contains an embedded NUL"))
		}
	}

	tokens := strings.Split(string(raw), " ")
	if len(tokens) == 0 || tokens[0] == "" {
		return Request{}, errs.New(errs.KindProtocol, "control.Decode", fmt.Errorf("empty line"))
	}

	return Request{Verb: Verb(tokens[0]), Args: tokens[1:]}, nil
}

// readLine reads a single '\n'-terminated line from r, enforcing
// MaxLineLength, and returns it without the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > MaxLineLength {
		return nil, errs.New(errs.KindProtocol, "control.readLine", fmt.Errorf("line exceeds %d bytes", MaxLineLength))
	}
	return line[:len(line)-1], nil
}
