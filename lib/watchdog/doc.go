// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic state file operations for tracking
// the daemon's crash-restart transition (C8: on a fatal signal, the
// daemon tears down and re-execs itself with its original argv). A
// process writes a watchdog [State] before the re-exec; the restarted
// process reads it back to report what happened.
//
// The intended workflow:
//
//  1. On SIGSEGV/SIGBUS: call [Write] with the signal name, the most
//     recent checkpoint, and the crashing PID.
//  2. execvp() the same binary with the original argv.
//  3. The new process starts, calls [Check]. If a recent watchdog file
//     is found, it logs the signal and checkpoint that caused the
//     restart, then calls [Clear] to remove the watchdog file.
//
// The watchdog file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// see a partial or corrupt state. [Check] includes staleness detection:
// it ignores watchdog files older than a configurable maximum age to
// prevent acting on an ancient file left behind by an unrelated
// restart.
//
// The [State] struct records the signal name, checkpoint, PID, and a
// timestamp. It is serialized as CBOR via lib/codec, matching the
// compact, frequently-written nature of the file.
//
// This package depends only on lib/codec.
package watchdog
