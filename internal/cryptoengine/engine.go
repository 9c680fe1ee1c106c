// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptoengine implements the cryptographic primitives the meta
// protocol (internal/meta) needs for its handshake and line sealing
// (spec.md §4.5): an asymmetric step to deliver a random session key
// under a peer's long-term public key, a symmetric AEAD to seal
// everything exchanged once that session key exists, and a keyed hash
// for the CHAL_REPLY nonce-proof step.
//
// Engine is an interface rather than a set of package functions so that
// internal/meta depends on crypto behavior, not on a specific library
// stack, and tests can substitute a trivial fake without linking real
// curve arithmetic.
package cryptoengine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of a session key and of a nacl/box
// public or private key.
const KeySize = 32

// NonceSize is the size in bytes of a chacha20poly1305 nonce.
const NonceSize = chacha20poly1305.NonceSize

// SessionKey is the symmetric key negotiated during METAKEY and used to
// seal every meta-protocol line for the life of a connection.
type SessionKey [KeySize]byte

// PublicKey and PrivateKey are nacl/box (X25519) keys. A host's
// long-term keypair is generated once and its private half kept sealed
// at rest by internal/keystore.
type (
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
)

// Engine is the crypto surface internal/meta needs. One Engine instance
// is shared by every connection; it holds no per-connection state.
type Engine interface {
	// GenerateSessionKey returns a fresh random session key, used as
	// the plaintext payload of METAKEY.
	GenerateSessionKey() (SessionKey, error)

	// SealMetaKey encrypts a session key to peerPublic, producing the
	// METAKEY message body. Anonymous box sealing (no
	// sender authentication) matches the meta protocol's asymmetry: the
	// initiator commits to a session key before either side has proven
	// possession of a private key.
	SealMetaKey(key SessionKey, peerPublic PublicKey) ([]byte, error)

	// OpenMetaKey decrypts a METAKEY message body sealed with
	// SealMetaKey against our own keypair.
	OpenMetaKey(sealed []byte, ours PrivateKey, ourPublic PublicKey) (SessionKey, error)

	// Seal authenticates and encrypts data under key with a random
	// nonce, returning nonce||ciphertext.
	Seal(key SessionKey, data []byte) ([]byte, error)

	// Open reverses Seal, expecting nonce||ciphertext as produced by it.
	Open(key SessionKey, sealed []byte) ([]byte, error)

	// ChallengeHash computes the CHAL_REPLY value: a keyed hash of a
	// CHALLENGE nonce, proving the responder decrypted it under the
	// session key without revealing the nonce itself on the wire again.
	ChallengeHash(key SessionKey, nonce []byte) []byte
}

// engine is the concrete Engine: nacl/box for the asymmetric METAKEY
// step, chacha20poly1305 for symmetric sealing, and blake3 as a keyed
// hash for ChallengeHash.
type engine struct{}

// New returns the production Engine.
func New() Engine {
	return engine{}
}

func (engine) GenerateSessionKey() (SessionKey, error) {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return SessionKey{}, fmt.Errorf("generating session key: %w", err)
	}
	return key, nil
}

func (engine) SealMetaKey(key SessionKey, peerPublic PublicKey) ([]byte, error) {
	pub := [KeySize]byte(peerPublic)
	sealed, err := box.SealAnonymous(nil, key[:], &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealing session key: %w", err)
	}
	return sealed, nil
}

func (engine) OpenMetaKey(sealed []byte, ours PrivateKey, ourPublic PublicKey) (SessionKey, error) {
	priv := [KeySize]byte(ours)
	pub := [KeySize]byte(ourPublic)
	plain, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok {
		return SessionKey{}, fmt.Errorf("opening session key: authentication failed")
	}
	if len(plain) != KeySize {
		return SessionKey{}, fmt.Errorf("opening session key: got %d bytes, want %d", len(plain), KeySize)
	}
	var key SessionKey
	copy(key[:], plain)
	return key, nil
}

func (engine) Seal(key SessionKey, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, data, nil)
	return sealed, nil
}

func (engine) Open(key SessionKey, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("sealed data too short: got %d bytes, want at least %d", len(sealed), NonceSize)
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed data: %w", err)
	}
	return plain, nil
}

func (engine) ChallengeHash(key SessionKey, nonce []byte) []byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a wrong-sized key, which key never is.
		panic(fmt.Sprintf("cryptoengine: blake3.NewKeyed: %v", err))
	}
	hasher.Write(nonce)
	return hasher.Sum(nil)
}

// GenerateKeypair returns a fresh nacl/box X25519 keypair for a host's
// long-term meta-protocol identity.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("generating keypair: %w", err)
	}
	return PublicKey(*pub), PrivateKey(*priv), nil
}

// Fingerprint returns the hex-encoded short identifier ADD_NODE's
// KeyFingerprint field carries and DUMP_NODES displays: an unkeyed
// blake3 hash of the public key, truncated to 16 bytes. It is a
// display aid, not a security check — nothing compares fingerprints
// to authenticate a peer, that's what the handshake's challenge/reply
// does.
func Fingerprint(pub PublicKey) string {
	sum := blake3.Sum256(pub[:])
	return hex.EncodeToString(sum[:16])
}
