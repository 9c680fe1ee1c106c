// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small network I/O helpers shared by the
// meta-protocol engine and control channel.
//
// [IsExpectedCloseError] classifies the errors that occur during
// normal connection teardown (peer hangup, reset, broken pipe) so
// callers can avoid logging them as failures.
package netutil
