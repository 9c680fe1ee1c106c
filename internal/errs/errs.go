// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs provides meshd's error taxonomy: a small, closed set of
// Kind values that every fallible operation in the mesh core maps onto,
// so callers can branch on the kind of failure with errors.Is/errors.As
// instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a meshd error into one of the categories the meta
// protocol, control channel, and daemon lifecycle need to distinguish.
type Kind int

const (
	// KindIO covers socket and filesystem read/write failures not
	// otherwise classified below.
	KindIO Kind = iota
	// KindProtocol covers meta-protocol framing violations: lines over
	// the length limit, embedded NULs, unknown request codes, wrong
	// token arity.
	KindProtocol
	// KindAuth covers handshake failures: bad challenge hash, decrypt
	// failure, unknown peer name.
	KindAuth
	// KindCrypto covers session-key agreement and cipher failures
	// below the handshake layer (cryptoengine.Engine implementations).
	KindCrypto
	// KindConfig covers malformed or invalid configuration.
	KindConfig
	// KindAlreadyRunning covers PID-lock contention: another live
	// process already holds this net's lock.
	KindAlreadyRunning
	// KindTimeout covers liveness failures: PING with no PONG,
	// handshake stages that never complete.
	KindTimeout
	// KindDuplicate covers registry conflicts: a connection, node, or
	// subnet that already exists.
	KindDuplicate
	// KindIncompatibleVersion covers a peer advertising a
	// meta-protocol version we cannot speak.
	KindIncompatibleVersion
	// KindFatal covers unrecoverable daemon-level failures that
	// should terminate the process (after crash-restart handling).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindCrypto:
		return "crypto"
	case KindConfig:
		return "config"
	case KindAlreadyRunning:
		return "already-running"
	case KindTimeout:
		return "timeout"
	case KindDuplicate:
		return "duplicate"
	case KindIncompatibleVersion:
		return "incompatible-version"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a meshd error carrying a [Kind] and an optional wrapped
// cause. Callers classify errors with [Is] rather than comparing
// strings.
type Error struct {
	Kind Kind
	// Op identifies the operation that failed, e.g. "meta.dispatch" or
	// "topology.insert". Used only for diagnostics.
	Op string
	// Peer is the remote node name associated with the error, if any.
	Peer string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Peer != "":
		return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Kind, e.Peer, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind for operation op, wrapping
// cause. Use [Wrap] when a peer name should be attached.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap constructs an *Error of the given kind for operation op against
// peer, wrapping cause.
func Wrap(kind Kind, op, peer string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Peer: peer, Err: cause}
}

// Is reports whether err is a meshd error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err and true if err is a meshd error,
// or (KindIO, false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return KindIO, false
	}
	return e.Kind, true
}
