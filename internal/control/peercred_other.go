// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package control

import (
	"fmt"
	"net"
)

// peerUID has no portable implementation outside Linux's SO_PEERCRED;
// platforms without it fail closed rather than silently skip the
// owning-user check described in spec.md §4.6.
func peerUID(conn net.Conn) (uint32, error) {
	return 0, fmt.Errorf("control.peerUID: peer credential lookup is not implemented on this platform")
}
