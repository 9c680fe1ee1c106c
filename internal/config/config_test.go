// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "office.yaml")
	if err := os.WriteFile(path, []byte("debug: 2\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Debug != 2 {
		t.Errorf("Debug = %d, want 2", cfg.Debug)
	}
	if cfg.RunDirectory != "/run/meshd" {
		t.Errorf("RunDirectory = %q, want /run/meshd", cfg.RunDirectory)
	}
	if cfg.ControlSocket != "/run/meshd/meshd.control" {
		t.Errorf("ControlSocket = %q, want /run/meshd/meshd.control", cfg.ControlSocket)
	}
	if cfg.KeyDirectory != "/etc/meshd/keys" {
		t.Errorf("KeyDirectory = %q, want /etc/meshd/keys", cfg.KeyDirectory)
	}
	if cfg.PingInterval() != 60*time.Second {
		t.Errorf("PingInterval = %s, want 60s", cfg.PingInterval())
	}
	if cfg.PongTimeout() != 5*time.Second {
		t.Errorf("PongTimeout = %s, want 5s", cfg.PongTimeout())
	}
	if cfg.ObserverRefresh() != time.Second {
		t.Errorf("ObserverRefresh = %s, want 1s", cfg.ObserverRefresh())
	}
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "office.yaml")
	content := `
control_socket: /run/meshd/office.control
run_directory: /var/run/meshd-office
key_directory: /etc/meshd/office/keys
debug: 3
ping_interval_sec: 30
pong_timeout_sec: 10
observer_refresh_sec: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ControlSocket != "/run/meshd/office.control" {
		t.Errorf("ControlSocket = %q, want explicit value preserved", cfg.ControlSocket)
	}
	if cfg.RunDirectory != "/var/run/meshd-office" {
		t.Errorf("RunDirectory = %q, want explicit value preserved", cfg.RunDirectory)
	}
	if cfg.PingInterval() != 30*time.Second {
		t.Errorf("PingInterval = %s, want 30s", cfg.PingInterval())
	}
	if cfg.PongTimeout() != 10*time.Second {
		t.Errorf("PongTimeout = %s, want 10s", cfg.PongTimeout())
	}
	if cfg.ObserverRefresh() != 2*time.Second {
		t.Errorf("ObserverRefresh = %s, want 2s", cfg.ObserverRefresh())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("debug: [this is not an int"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for malformed YAML")
	}
}

func TestNetConfigHostByName(t *testing.T) {
	net := NetConfig{
		Name: "office",
		Self: "gw-ams",
		Hosts: []HostConfig{
			{Name: "gw-ams", Subnets: []string{"10.0.1.0/24"}, PublicKeyPath: "gw-ams.pub"},
			{Name: "gw-fra", Address: "fra.example.com:655", Subnets: []string{"10.0.2.0/24"}},
		},
	}

	host, ok := net.HostByName("gw-fra")
	if !ok {
		t.Fatal("HostByName(gw-fra) should find the host")
	}
	if host.Address != "fra.example.com:655" {
		t.Errorf("Address = %q, want fra.example.com:655", host.Address)
	}

	if _, ok := net.HostByName("gw-lon"); ok {
		t.Error("HostByName(gw-lon) should not find a host that isn't in Hosts")
	}
}
