// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/internal/keystore"
)

// keyDirectory is the production meta.PeerDirectory: every host's
// public key lives as a plaintext file under one shared directory
// (Bootstrap.KeyDirectory), named after the host, exactly as
// internal/keystore writes them.
type keyDirectory struct {
	dir string
}

func (d keyDirectory) PublicKeyFor(peerName string) (cryptoengine.PublicKey, bool) {
	pub, err := keystore.LoadPublic(d.dir, peerName)
	if err != nil {
		return cryptoengine.PublicKey{}, false
	}
	return pub, true
}
