// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID returns the effective UID of the process on the other end of
// a Unix-domain socket, via SO_PEERCRED (spec.md §4.6: "verify via peer
// credentials of the local socket").
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("control.peerUID: connection is not a *net.UnixConn")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("control.peerUID: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("control.peerUID: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("control.peerUID: SO_PEERCRED: %w", credErr)
	}
	return cred.Uid, nil
}
