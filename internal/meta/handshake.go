// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/internal/errs"
)

// State is a connection's position in the authentication handshake
// (spec.md §4.5).
type State int

const (
	StateConnect State = iota
	StateIDSent
	StateAwaitID
	StateAwaitMetaKey
	StateAwaitChallenge
	StateAwaitChalReply
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateIDSent:
		return "ID_SENT"
	case StateAwaitID:
		return "AWAIT_ID"
	case StateAwaitMetaKey:
		return "AWAIT_METAKEY"
	case StateAwaitChallenge:
		return "AWAIT_CHALLENGE"
	case StateAwaitChalReply:
		return "AWAIT_CHAL_REPLY"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

const nonceSize = 32

// challengeNonceSize is the size of the random CHALLENGE nonce.
const challengeNonceSize = nonceSize

// Identity is the local host's long-term identity, needed to run the
// handshake as either side.
type Identity struct {
	Name       string
	PublicKey  cryptoengine.PublicKey
	PrivateKey cryptoengine.PrivateKey
	Version    string
}

// PeerDirectory resolves a peer name to its known public key, the only
// lookup the handshake needs into net configuration.
type PeerDirectory interface {
	PublicKeyFor(peerName string) (cryptoengine.PublicKey, bool)
}

// Handshake drives one connection's authentication state machine. It
// holds no socket of its own — callers (connection.go) feed it decoded
// Lines and send whatever it hands back.
type Handshake struct {
	engine cryptoengine.Engine
	self   Identity
	dir    PeerDirectory

	state State

	// outgoing is true for connections this host initiated, which are
	// the only ones spec.md §4.5 schedules for reconnect on failure.
	outgoing bool

	peerName    string
	peerVersion string
	sessionKey  cryptoengine.SessionKey
	sentNonce   []byte
}

// NewHandshake starts a Handshake in CONNECT state for a connection
// that is either outgoing (we dial) or not (we accepted it).
func NewHandshake(engine cryptoengine.Engine, self Identity, dir PeerDirectory, outgoing bool) *Handshake {
	return &Handshake{engine: engine, self: self, dir: dir, state: StateConnect, outgoing: outgoing}
}

// State returns the handshake's current state.
func (h *Handshake) State() State { return h.state }

// PeerName returns the peer's claimed name once known (after ID is
// received or sent and accepted).
func (h *Handshake) PeerName() string { return h.peerName }

// SessionKey returns the negotiated session key. Only meaningful once
// State() is StateAuthenticated or StateActive.
func (h *Handshake) SessionKey() cryptoengine.SessionKey { return h.sessionKey }

// Start begins the handshake for an outgoing connection by producing
// the initial ID line. Callers of an accepted (inbound) connection
// instead wait for the peer's ID and never call Start.
func (h *Handshake) Start() ([]byte, error) {
	if !h.outgoing || h.state != StateConnect {
		return nil, errs.New(errs.KindProtocol, "meta.Handshake.Start", fmt.Errorf("Start called from state %s (outgoing=%v)", h.state, h.outgoing))
	}
	h.state = StateIDSent
	return Encode(ReqID, h.self.Name, h.self.Version, "0")
}

// Accept begins the handshake for an inbound connection, moving it
// from CONNECT to AWAIT_ID. No line is produced — we wait for the
// peer's ID.
func (h *Handshake) Accept() {
	h.state = StateAwaitID
}

// Advance feeds one decoded Line into the handshake, returning zero or
// more reply lines to send and an error if the line violates the
// protocol or handshake sequencing (spec.md §4.5's "timeout / bad hash
// / decrypt fail -> CLOSED" transition).
func (h *Handshake) Advance(line Line) ([][]byte, error) {
	switch h.state {
	case StateAwaitID, StateIDSent:
		return h.handleID(line)
	case StateAwaitMetaKey:
		return h.handleMetaKey(line)
	case StateAwaitChallenge:
		return h.handleChallenge(line)
	case StateAwaitChalReply:
		return h.handleChalReply(line)
	case StateAuthenticated, StateActive:
		if line.Code == ReqAck {
			h.state = StateActive
			return nil, nil
		}
		return nil, nil // topology/traffic lines are for the dispatcher, not the handshake.
	default:
		return nil, errs.New(errs.KindProtocol, "meta.Handshake.Advance", fmt.Errorf("no input expected in state %s", h.state))
	}
}

// handleID processes the peer's ID line. Only the accepting side (we
// were in AWAIT_ID) originates the session key: it answers with its
// own ID followed by METAKEY. The initiating side (we were in
// ID_SENT, and are now seeing the peer's ID arrive) must not generate
// a session key of its own — it just records the peer's identity and
// waits for the METAKEY the acceptor is about to send, so both ends
// converge on a single shared key rather than each picking their own.
func (h *Handshake) handleID(line Line) ([][]byte, error) {
	if line.Code != ReqID || len(line.Args) < 2 {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("expected ID name version, got %s %v", line.Code, line.Args))
	}
	peerName, peerVersion := line.Args[0], line.Args[1]

	peerPublic, ok := h.dir.PublicKeyFor(peerName)
	if !ok {
		return nil, h.fail(errs.KindAuth, fmt.Errorf("unknown peer name %q", peerName))
	}
	if !versionCompatible(h.self.Version, peerVersion) {
		return nil, h.fail(errs.KindIncompatibleVersion, fmt.Errorf("peer %q version %q incompatible with ours %q", peerName, peerVersion, h.self.Version))
	}

	h.peerName = peerName
	h.peerVersion = peerVersion

	if h.state == StateIDSent {
		// We initiated; the peer's METAKEY (originated by them) is next.
		h.state = StateAwaitMetaKey
		return nil, nil
	}

	key, err := h.engine.GenerateSessionKey()
	if err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("generating session key: %w", err))
	}
	h.sessionKey = key

	sealed, err := h.engine.SealMetaKey(key, peerPublic)
	if err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("sealing METAKEY: %w", err))
	}

	reply, err := Encode(ReqMetaKey, encodeBytes(sealed))
	if err != nil {
		return nil, h.fail(errs.KindProtocol, err)
	}

	// We were accepting: answer with our own ID before proceeding to
	// METAKEY, mirroring the outgoing side's initial send.
	idLine, err := Encode(ReqID, h.self.Name, h.self.Version, "0")
	if err != nil {
		return nil, h.fail(errs.KindProtocol, err)
	}

	// We originated the key and sent METAKEY; we won't receive one
	// ourselves, so we move straight to waiting for the initiator's
	// CHALLENGE rather than AWAIT_METAKEY.
	h.state = StateAwaitChallenge
	return [][]byte{idLine, reply}, nil
}

func (h *Handshake) handleMetaKey(line Line) ([][]byte, error) {
	if line.Code != ReqMetaKey || len(line.Args) < 1 {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("expected METAKEY sealed, got %s %v", line.Code, line.Args))
	}
	sealed, err := decodeBytes(line.Args[0])
	if err != nil {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("decoding METAKEY payload: %w", err))
	}

	peerKey, err := h.engine.OpenMetaKey(sealed, h.self.PrivateKey, h.self.PublicKey)
	if err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("opening METAKEY: %w", err))
	}
	h.sessionKey = peerKey

	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("generating challenge nonce: %w", err))
	}
	h.sentNonce = nonce

	sealedNonce, err := h.engine.Seal(h.sessionKey, nonce)
	if err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("sealing CHALLENGE: %w", err))
	}

	reply, err := Encode(ReqChallenge, encodeBytes(sealedNonce))
	if err != nil {
		return nil, h.fail(errs.KindProtocol, err)
	}
	// We just sent our own CHALLENGE; now we wait for the acceptor's
	// CHAL_REPLY to it.
	h.state = StateAwaitChalReply
	return [][]byte{reply}, nil
}

func (h *Handshake) handleChallenge(line Line) ([][]byte, error) {
	if line.Code != ReqChallenge || len(line.Args) < 1 {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("expected CHALLENGE sealed, got %s %v", line.Code, line.Args))
	}
	sealed, err := decodeBytes(line.Args[0])
	if err != nil {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("decoding CHALLENGE payload: %w", err))
	}
	nonce, err := h.engine.Open(h.sessionKey, sealed)
	if err != nil {
		return nil, h.fail(errs.KindCrypto, fmt.Errorf("opening CHALLENGE: %w", err))
	}

	hash := h.engine.ChallengeHash(h.sessionKey, nonce)
	reply, err := Encode(ReqChalReply, encodeBytes(hash))
	if err != nil {
		return nil, h.fail(errs.KindProtocol, err)
	}
	// We've proven we hold the session key; nothing further to verify
	// on our side except the initiator's closing ACK.
	h.state = StateAuthenticated
	return [][]byte{reply}, nil
}

func (h *Handshake) handleChalReply(line Line) ([][]byte, error) {
	if line.Code != ReqChalReply || len(line.Args) < 1 {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("expected CHAL_REPLY hash, got %s %v", line.Code, line.Args))
	}
	gotHash, err := decodeBytes(line.Args[0])
	if err != nil {
		return nil, h.fail(errs.KindProtocol, fmt.Errorf("decoding CHAL_REPLY payload: %w", err))
	}

	wantHash := h.engine.ChallengeHash(h.sessionKey, h.sentNonce)
	if !bytes.Equal(gotHash, wantHash) {
		return nil, h.fail(errs.KindAuth, fmt.Errorf("CHAL_REPLY hash mismatch for peer %q", h.peerName))
	}

	ack, err := Encode(ReqAck)
	if err != nil {
		return nil, h.fail(errs.KindProtocol, err)
	}
	h.state = StateAuthenticated
	return [][]byte{ack}, nil
}

func (h *Handshake) fail(kind errs.Kind, cause error) error {
	h.state = StateClosed
	return errs.Wrap(kind, "meta.Handshake.Advance", h.peerName, cause)
}

// versionCompatible reports whether peerVersion may speak the meta
// protocol with ours. meshd only requires matching major versions; the
// original daemon's wire protocol has no finer-grained negotiation.
func versionCompatible(ours, peerVersion string) bool {
	return majorVersion(ours) == majorVersion(peerVersion)
}

func majorVersion(version string) string {
	for i, c := range version {
		if c == '.' {
			return version[:i]
		}
	}
	return version
}
