// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package pidlock derives meshd's filesystem naming from a net
// identifier and enforces the single-instance-per-net invariant via a
// PID file under /run. It owns creation of that file; unlinking it on
// a graceful exit is internal/daemon's job, not this package's.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vpnmesh/meshd/internal/errs"
)

// Paths holds the filesystem names derived from a net identifier and a
// run directory, per spec.md §4.1.
type Paths struct {
	// PIDFile is where this process's PID is recorded while running:
	// <runDir>/meshd[.<net>].pid.
	PIDFile string

	// SyslogIdent is the syslog identity tag: "meshd" or "meshd.<net>".
	SyslogIdent string

	// ControlSocket is the default control channel socket path, used
	// when Bootstrap.ControlSocket is unset: <runDir>/meshd[.<net>].control.
	ControlSocket string
}

// Derive computes Paths for a net (empty for the unnamed default net)
// under runDir.
func Derive(net, runDir string) Paths {
	suffix := ""
	if net != "" {
		suffix = "." + net
	}
	return Paths{
		PIDFile:       filepath.Join(runDir, "meshd"+suffix+".pid"),
		SyslogIdent:   "meshd" + suffix,
		ControlSocket: filepath.Join(runDir, "meshd"+suffix+".control"),
	}
}

// Acquire claims the single-instance lock for paths.PIDFile. If an
// existing PID file names a process that is still alive, Acquire
// returns an *errs.Error of KindAlreadyRunning. If the named process is
// gone (a stale lock), the file is removed and acquisition proceeds.
// On success, the PID file contains this process's PID.
func Acquire(paths Paths) error {
	if err := os.MkdirAll(filepath.Dir(paths.PIDFile), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, "pidlock.Acquire", "", fmt.Errorf("creating run directory: %w", err))
	}

	if existing, ok := readAlivePID(paths.PIDFile); ok {
		return errs.New(errs.KindAlreadyRunning, "pidlock.Acquire",
			fmt.Errorf("meshd already running with pid %d (%s)", existing, paths.PIDFile))
	}
	// Either no file, or a stale one — remove before recreating so a
	// leftover stale lock doesn't collide with O_EXCL below.
	os.Remove(paths.PIDFile)

	file, err := os.OpenFile(paths.PIDFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindAlreadyRunning, "pidlock.Acquire", "", fmt.Errorf("creating pid file: %w", err))
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%d\n", os.Getpid()); err != nil {
		os.Remove(paths.PIDFile)
		return errs.Wrap(errs.KindIO, "pidlock.Acquire", "", fmt.Errorf("writing pid file: %w", err))
	}
	return nil
}

// Release unlinks the PID file. Idempotent — a missing file is not an
// error.
func Release(paths Paths) error {
	if err := os.Remove(paths.PIDFile); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, "pidlock.Release", "", err)
	}
	return nil
}

// Kill implements --kill: read the PID from paths.PIDFile, send it
// SIGTERM, and unlink the file. If the process named in the file is
// already gone, the file is still removed (a stale lock) and Kill
// reports that case via the returned bool.
func Kill(paths Paths) (stale bool, err error) {
	pid, readErr := readPID(paths.PIDFile)
	if readErr != nil {
		return false, errs.Wrap(errs.KindIO, "pidlock.Kill", "", readErr)
	}

	killErr := unix.Kill(pid, unix.SIGTERM)
	stale = killErr != nil

	// Mirrors the original daemon's kill_other: the PID file is
	// unlinked whether the kill succeeded or failed with ESRCH.
	os.Remove(paths.PIDFile)
	return stale, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid from %s: %w", path, err)
	}
	return pid, nil
}

// readAlivePID reads path and reports the PID it names if that process
// is still alive. ok is false both when the file is absent/unreadable
// and when the named process is confirmed dead.
func readAlivePID(path string) (pid int, ok bool) {
	pid, err := readPID(path)
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a live process, using the
// kill(pid, 0) probe: success or any errno other than ESRCH means the
// process exists (possibly owned by another user, which still counts
// as "alive" for single-instance purposes).
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}
