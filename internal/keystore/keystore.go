// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore persists a host's long-term meta-protocol keypair
// (internal/cryptoengine.PublicKey / PrivateKey) under
// config.Bootstrap.KeyDirectory. The public half is written in the
// clear, since peers must be able to read it out of band before they
// ever connect. The private half is sealed at rest via
// lib/sealed's passphrase-derived scrypt identity — here there is
// exactly one recipient, the passphrase itself.
package keystore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/lib/secret"
	"github.com/vpnmesh/meshd/lib/sealed"
)

// scryptWorkFactor follows age's own CLI default; raising it trades
// unseal latency for brute-force resistance.
const scryptWorkFactor = 18

func publicKeyPath(dir, host string) string  { return filepath.Join(dir, host+".pub") }
func privateKeyPath(dir, host string) string { return filepath.Join(dir, host+".key.age") }

// Generate creates a fresh keypair for host, writes the public key in
// the clear to dir/<host>.pub, and writes the private key sealed under
// passphrase to dir/<host>.key.age. It fails if either file already
// exists, to avoid silently overwriting a host's identity.
func Generate(dir, host string, passphrase *secret.Buffer) (cryptoengine.PublicKey, error) {
	pub, priv, err := cryptoengine.GenerateKeypair()
	if err != nil {
		return cryptoengine.PublicKey{}, fmt.Errorf("generating keypair for %s: %w", host, err)
	}

	if err := writePublic(dir, host, pub); err != nil {
		return cryptoengine.PublicKey{}, err
	}
	if err := sealPrivate(dir, host, priv, passphrase); err != nil {
		return cryptoengine.PublicKey{}, err
	}
	return pub, nil
}

func writePublic(dir, host string, pub cryptoengine.PublicKey) error {
	path := publicKeyPath(dir, host)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("public key for %s already exists at %s", host, path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating key directory %s: %w", dir, err)
	}
	encoded := hex.EncodeToString(pub[:])
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key %s: %w", path, err)
	}
	return nil
}

func sealPrivate(dir, host string, priv cryptoengine.PrivateKey, passphrase *secret.Buffer) error {
	path := privateKeyPath(dir, host)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("private key for %s already exists at %s", host, path)
	}

	ciphertext, err := sealed.EncryptWithPassphrase(priv[:], passphrase, scryptWorkFactor)
	if err != nil {
		return fmt.Errorf("sealing private key for %s: %w", host, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("writing sealed private key %s: %w", path, err)
	}
	return nil
}

// LoadPublic reads a host's public key. Any host on the net, including
// ourselves, can have its public key loaded this way — no passphrase
// is needed.
func LoadPublic(dir, host string) (cryptoengine.PublicKey, error) {
	path := publicKeyPath(dir, host)
	data, err := os.ReadFile(path)
	if err != nil {
		return cryptoengine.PublicKey{}, fmt.Errorf("reading public key %s: %w", path, err)
	}
	return decodePublic(data)
}

func decodePublic(data []byte) (cryptoengine.PublicKey, error) {
	decoded, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return cryptoengine.PublicKey{}, fmt.Errorf("decoding public key: %w", err)
	}
	if len(decoded) != cryptoengine.KeySize {
		return cryptoengine.PublicKey{}, fmt.Errorf("public key has %d bytes, want %d", len(decoded), cryptoengine.KeySize)
	}
	var pub cryptoengine.PublicKey
	copy(pub[:], decoded)
	return pub, nil
}

// Unseal decrypts our own private key from dir/<host>.key.age using
// passphrase. Only the local host ever needs this — other hosts'
// private keys are never available to us.
func Unseal(dir, host string, passphrase *secret.Buffer) (cryptoengine.PrivateKey, error) {
	path := privateKeyPath(dir, host)
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return cryptoengine.PrivateKey{}, fmt.Errorf("reading sealed private key %s: %w", path, err)
	}

	plain, err := sealed.DecryptWithPassphrase(string(ciphertext), passphrase)
	if err != nil {
		return cryptoengine.PrivateKey{}, fmt.Errorf("unsealing private key %s: %w", path, err)
	}
	defer plain.Close()

	if plain.Len() != cryptoengine.KeySize {
		return cryptoengine.PrivateKey{}, fmt.Errorf("private key has %d bytes, want %d", plain.Len(), cryptoengine.KeySize)
	}
	var priv cryptoengine.PrivateKey
	copy(priv[:], plain.Bytes())
	return priv, nil
}
