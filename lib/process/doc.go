// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for meshd service
// and agent binaries. These functions centralize the two legitimate raw
// I/O patterns that exist before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// Fatal covers both: it writes the error to stderr and exits with
// code 1.
package process
