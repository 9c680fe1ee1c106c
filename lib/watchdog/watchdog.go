// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic state file operations for tracking
// the daemon's crash-restart transition. Before re-executing itself
// after a fatal signal, the daemon writes a watchdog state recording
// the signal and the most recent checkpoint; after the re-exec, the
// restarted process reads it back to log what happened and decide
// whether it is looping.
//
// Typical usage:
//
//  1. On SIGSEGV/SIGBUS: Write watchdog with the signal name, the most
//     recent checkpoint, and the current PID.
//  2. execvp() the same binary with the original argv.
//  3. The new process starts, reads the watchdog via Check. If present
//     and recent, it logs "restarted after SIGSEGV at checkpoint X"
//     and clears the file.
//
// The watchdog file is written atomically (write to temporary file,
// fsync, rename) so readers never see a partial or corrupt state.
// Staleness checking via Check prevents acting on an ancient watchdog
// file left behind by an unrelated restart.
package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vpnmesh/meshd/lib/codec"
)

// State records the context of a crash-restart transition. Written
// before the re-exec and read after startup to report what happened.
type State struct {
	// Signal is the name of the fatal signal that triggered the
	// restart, e.g. "SIGSEGV" or "SIGBUS".
	Signal string `cbor:"signal"`

	// Checkpoint is the most recent (file:line) recorded by
	// internal/checkpoint before the fault, or empty if none was
	// recorded.
	Checkpoint string `cbor:"checkpoint"`

	// PID is the process ID of the crashing process, recorded for
	// correlation with system logs.
	PID int `cbor:"pid"`

	// Timestamp is when the transition was initiated. Used by Check to
	// discard a stale watchdog file left by a previous unrelated
	// restart.
	Timestamp time.Time `cbor:"timestamp"`
}

// Write atomically writes a watchdog state file. The file is written to a
// temporary location in the same directory, fsynced for durability, and
// renamed into place. Readers never see a partial write.
//
// The file is created with mode 0600 (owner read/write only). The parent
// directory must already exist.
func Write(path string, state State) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling watchdog state: %w", err)
	}

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary watchdog file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary watchdog file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary watchdog file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary watchdog file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming watchdog file into place: %w", err)
	}

	// Sync the parent directory to ensure the rename is durable. This
	// matters when the machine loses power between rename and the OS
	// flushing directory metadata.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses a watchdog state file. Returns the state or an error.
// When the file does not exist, the returned error wraps os.ErrNotExist
// (testable with errors.Is).
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := codec.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing watchdog file %s: %w", path, err)
	}
	return state, nil
}

// Check reads a watchdog state file and verifies it was written recently
// enough to be relevant. Returns the state and true when the file exists
// and its Timestamp is within maxAge of now. Returns a zero State and false
// when the file does not exist or is older than maxAge.
//
// Any other error (permission denied, corrupt CBOR) is returned as-is so
// the caller can distinguish "no watchdog" from "watchdog exists but
// unreadable."
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if time.Since(state.Timestamp) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes a watchdog state file. Idempotent: returns nil when the
// file does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing watchdog file: %w", err)
	}
	return nil
}
