// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Command meshtop is the interactive observer client for meshd's
// control channel (spec.md §4.9, C9): a Bubble Tea table that polls
// DUMP_TRAFFIC once per tick and renders per-node rates, sortable and
// filterable without leaving the keyboard.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/observer"
	"github.com/vpnmesh/meshd/lib/version"
)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	var socketPath string
	var intervalSec float64
	var showHelp, showVersion bool

	fs := pflag.NewFlagSet("meshtop", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&socketPath, "socket", "s", control.DefaultSocketPath, "control socket path")
	fs.Float64VarP(&intervalSec, "interval", "i", 1.0, "refresh interval in seconds")
	fs.BoolVar(&showHelp, "help", false, "show this help and exit")
	fs.BoolVar(&showVersion, "version", false, "show version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-s SOCKET] [-i INTERVAL]\n", argv[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv[1:]); err != nil {
		return 1
	}
	if showHelp {
		fs.Usage()
		return 0
	}
	if showVersion {
		fmt.Println(version.Info())
		return 0
	}
	if intervalSec < 0.1 {
		intervalSec = 0.1
	}
	interval := time.Duration(intervalSec * float64(time.Second))

	client := observer.NewClient(socketPath)
	defer client.Close()

	// spec.md §4.9 describes a curses TUI, which presumes a real
	// terminal. Piped or redirected output can't usefully host
	// bubbletea's alt-screen raw mode, so fall back to a single
	// DUMP_TRAFFIC dump instead of garbling whatever is on the other
	// end of the pipe.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return runOnce(client)
	}

	plainStyling := termenv.NewOutput(os.Stdout).Profile == termenv.Ascii

	m := newModel(client, interval, plainStyling)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshtop: %v\n", err)
		return 1
	}
	return 0
}

// runOnce prints a single DUMP_TRAFFIC snapshot as plain tab-separated
// text, for use from a script or a non-interactive pipe.
func runOnce(client *observer.Client) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := client.Traffic(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshtop: %v\n", err)
		return 1
	}

	fmt.Println("NAME\tIN_PKTS\tIN_BYTES\tOUT_PKTS\tOUT_BYTES")
	for _, n := range snap.Nodes {
		fmt.Printf("%s\t%d\t%d\t%d\t%d\n", n.Name, n.InPackets, n.InBytes, n.OutPackets, n.OutBytes)
	}
	return 0
}
