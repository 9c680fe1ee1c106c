// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vpnmesh/meshd/internal/config"
)

// netFile is the net-topology section of the same YAML document -c
// FILE points at: config.Load reads the bootstrap fields from it,
// loadNetConfig reads this one. internal/config deliberately stops
// short of an on-disk NetConfig format (its own per-host file layout
// is out of scope there), so meshd's own entry point owns this one
// shared document instead of inventing a second flag to locate it.
type netFile struct {
	Net netSection `yaml:"net"`
}

type netSection struct {
	Name  string     `yaml:"name"`
	Self  string     `yaml:"self"`
	Hosts []hostFile `yaml:"hosts"`
}

type hostFile struct {
	Name          string   `yaml:"name"`
	Address       string   `yaml:"address"`
	Subnets       []string `yaml:"subnets"`
	PublicKeyPath string   `yaml:"public_key_path"`
}

// loadNetConfig reads the net: section of path into a config.NetConfig.
func loadNetConfig(path string) (config.NetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.NetConfig{}, fmt.Errorf("reading net config %s: %w", path, err)
	}

	var f netFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return config.NetConfig{}, fmt.Errorf("parsing net config %s: %w", path, err)
	}
	if f.Net.Name == "" {
		return config.NetConfig{}, fmt.Errorf("net config %s: net.name is required", path)
	}
	if f.Net.Self == "" {
		return config.NetConfig{}, fmt.Errorf("net config %s: net.self is required", path)
	}

	hosts := make([]config.HostConfig, 0, len(f.Net.Hosts))
	for _, h := range f.Net.Hosts {
		if h.Name == "" {
			return config.NetConfig{}, fmt.Errorf("net config %s: every host needs a name", path)
		}
		hosts = append(hosts, config.HostConfig{
			Name:          h.Name,
			Address:       h.Address,
			Subnets:       h.Subnets,
			PublicKeyPath: h.PublicKeyPath,
		})
	}

	net := config.NetConfig{Name: f.Net.Name, Self: f.Net.Self, Hosts: hosts}
	if _, ok := net.HostByName(net.Self); !ok {
		return config.NetConfig{}, fmt.Errorf("net config %s: self host %q is not listed under hosts", path, net.Self)
	}
	return net, nil
}
