// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads meshd's own bootstrap configuration: the small
// YAML file that tells a starting daemon where to find its control
// socket, run directory, and default debug/observer settings. It also
// defines [NetConfig], the already-parsed view of a net's hosts,
// subnets, and keys that internal/daemon and internal/topology consume.
// Turning on-disk per-host files into a NetConfig is out of scope here;
// callers build one programmatically or supply their own loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPingIntervalSec is how long an authenticated connection may
	// sit idle before meshd sends PING.
	DefaultPingIntervalSec = 60
	// DefaultPongTimeoutSec is how long meshd waits for PONG after PING
	// before closing the connection.
	DefaultPongTimeoutSec = 5
	// DefaultObserverRefreshSec is the refresh delay cmd/meshtop starts
	// with before the user overrides it with the 's' key.
	DefaultObserverRefreshSec = 1
)

// Bootstrap is meshd's own configuration file, /etc/meshd/meshd.yaml
// unless another path is supplied via -c.
type Bootstrap struct {
	// ControlSocket is the path to the Unix-domain control channel
	// socket (C6). Defaults to RunDirectory/meshd.control if empty.
	ControlSocket string `yaml:"control_socket"`

	// RunDirectory holds the PID file and crash-restart watchdog file.
	// Default: /run/meshd.
	RunDirectory string `yaml:"run_directory"`

	// KeyDirectory holds this host's sealed meta-protocol private key
	// file (internal/keystore) and the net's host public keys.
	// Default: /etc/meshd/keys.
	KeyDirectory string `yaml:"key_directory"`

	// Debug is the default debug level (0..5), overridable with -d.
	Debug int `yaml:"debug"`

	// PingIntervalSec overrides DefaultPingIntervalSec when nonzero.
	PingIntervalSec int `yaml:"ping_interval_sec"`

	// PongTimeoutSec overrides DefaultPongTimeoutSec when nonzero.
	PongTimeoutSec int `yaml:"pong_timeout_sec"`

	// ObserverRefreshSec overrides DefaultObserverRefreshSec when nonzero.
	ObserverRefreshSec int `yaml:"observer_refresh_sec"`
}

// PingInterval returns the configured ping interval as a time.Duration.
func (b Bootstrap) PingInterval() time.Duration {
	return time.Duration(b.PingIntervalSec) * time.Second
}

// PongTimeout returns the configured pong timeout as a time.Duration.
func (b Bootstrap) PongTimeout() time.Duration {
	return time.Duration(b.PongTimeoutSec) * time.Second
}

// ObserverRefresh returns the configured observer refresh delay as a
// time.Duration.
func (b Bootstrap) ObserverRefresh() time.Duration {
	return time.Duration(b.ObserverRefreshSec) * time.Second
}

// Load reads and parses a bootstrap configuration file at path.
func Load(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Bootstrap
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Bootstrap{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Bootstrap) applyDefaults() {
	if cfg.RunDirectory == "" {
		cfg.RunDirectory = "/run/meshd"
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = filepath.Join(cfg.RunDirectory, "meshd.control")
	}
	if cfg.KeyDirectory == "" {
		cfg.KeyDirectory = "/etc/meshd/keys"
	}
	if cfg.PingIntervalSec == 0 {
		cfg.PingIntervalSec = DefaultPingIntervalSec
	}
	if cfg.PongTimeoutSec == 0 {
		cfg.PongTimeoutSec = DefaultPongTimeoutSec
	}
	if cfg.ObserverRefreshSec == 0 {
		cfg.ObserverRefreshSec = DefaultObserverRefreshSec
	}
}

// NetConfig is the parsed view of a net: its hosts, the subnets they
// own, and where to find their public keys. internal/topology builds
// its registry from one of these; internal/daemon holds the active
// NetConfig for the net it serves. Nothing in this package populates a
// NetConfig from disk — spec.md places the per-host configuration file
// format out of scope, so callers either construct one directly (tests,
// embedders) or bring their own loader.
type NetConfig struct {
	// Name is the net's identity, e.g. "office" (spec.md §3 NetIdentity).
	Name string

	// Self is this host's own name within Hosts.
	Self string

	// Hosts lists every host participating in the net, including Self.
	Hosts []HostConfig
}

// HostConfig describes one host's static, out-of-band-agreed identity:
// its name, the host:port to dial it at, the subnets it claims to own,
// and where to find its public key on disk.
type HostConfig struct {
	// Name is the host's identity, matching its public key's subject.
	Name string

	// Address is host:port to dial when this host is not already
	// connected and meshd decides to initiate (spec.md §4.5).
	Address string

	// Subnets are the CIDR blocks this host claims to own and will
	// accept ADD_EDGE/ADD_SUBNET announcements for.
	Subnets []string

	// PublicKeyPath points at the host's meta-protocol public key file
	// under Bootstrap.KeyDirectory.
	PublicKeyPath string
}

// HostByName returns the HostConfig with the given name, or false if no
// such host is present.
func (n NetConfig) HostByName(name string) (HostConfig, bool) {
	for _, h := range n.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostConfig{}, false
}
