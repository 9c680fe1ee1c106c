// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for meshd binaries.
//
// Version information is injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/vpnmesh/meshd/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Commit returns the git commit SHA.
func Commit() string {
	return GitCommit
}

// Protocol is the meta-protocol wire version this build speaks. Bumped
// whenever a request code or framing rule changes in an incompatible way.
const Protocol = 17

// CompatibleProtocol reports whether a peer advertising protocol version
// peerProtocol can be admitted. Per spec §4.5/§6, a peer advertising a
// higher version than ours is incompatible (we may be missing request
// codes it relies on); a peer advertising our version or lower is fine,
// since lower-numbered request codes are never removed.
func CompatibleProtocol(peerProtocol int) bool {
	return peerProtocol <= Protocol
}
