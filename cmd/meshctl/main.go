// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Command meshctl is a one-shot, scriptable client for meshd's control
// channel: each invocation issues a single request and prints its
// result to stdout, making the daemon's STOP/RELOAD/PURGE/SET_DEBUG/
// RETRY and DUMP_* surface usable from a shell script without holding
// a long-lived connection the way cmd/meshtop does.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/observer"
	"github.com/vpnmesh/meshd/lib/version"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

type cliFlags struct {
	socketPath string
	timeoutSec int
	help       bool
	version    bool
}

func parseFlags(argv []string) (cliFlags, []string, *pflag.FlagSet, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("meshctl", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&f.socketPath, "socket", "s", control.DefaultSocketPath, "control socket path")
	fs.IntVarP(&f.timeoutSec, "timeout", "t", 10, "seconds to wait for a response")
	fs.BoolVar(&f.help, "help", false, "show this help and exit")
	fs.BoolVar(&f.version, "version", false, "show version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-s SOCKET] [-t SECONDS] COMMAND [ARGS]\n\n", argv[0])
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  dump nodes|edges|subnets|connections")
		fmt.Fprintln(os.Stderr, "  reload")
		fmt.Fprintln(os.Stderr, "  stop")
		fmt.Fprintln(os.Stderr, "  purge")
		fmt.Fprintln(os.Stderr, "  retry")
		fmt.Fprintln(os.Stderr, "  set-debug LEVEL")
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}
	err := fs.Parse(argv[1:])
	return f, fs.Args(), fs, err
}

func run(argv []string, stdout, stderr io.Writer) int {
	f, args, fs, err := parseFlags(argv)
	if err != nil {
		return 1
	}
	if f.help {
		fs.Usage()
		return 0
	}
	if f.version {
		fmt.Fprintln(stdout, version.Info())
		return 0
	}
	if len(args) == 0 {
		fs.Usage()
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(f.timeoutSec)*time.Second)
	defer cancel()

	client := observer.NewClient(f.socketPath)
	defer client.Close()

	if err := dispatch(ctx, client, args, stdout); err != nil {
		fmt.Fprintf(stderr, "meshctl: %v\n", err)
		return 1
	}
	return 0
}

// dispatch runs one command against client. Every branch is a single
// request/response round trip — meshctl never issues more than one
// control-channel request per invocation.
func dispatch(ctx context.Context, client *observer.Client, args []string, stdout io.Writer) error {
	switch cmd := args[0]; cmd {
	case "dump":
		if len(args) != 2 {
			return fmt.Errorf("usage: meshctl dump nodes|edges|subnets|connections")
		}
		return runDump(ctx, client, args[1], stdout)
	case "reload":
		return client.Do(ctx, control.VerbReload)
	case "stop":
		return client.Do(ctx, control.VerbStop)
	case "purge":
		return client.Do(ctx, control.VerbPurge)
	case "retry":
		return client.Do(ctx, control.VerbRetry)
	case "set-debug":
		if len(args) != 2 {
			return fmt.Errorf("usage: meshctl set-debug LEVEL")
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("set-debug: %q is not an integer level", args[1])
		}
		return client.Do(ctx, control.VerbSetDebug, args[1])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// dumpVerbs maps meshctl's noun arguments onto the control verbs
// DUMP_NODES/DUMP_EDGES/DUMP_SUBNETS/DUMP_CONNECTIONS answer, along
// with the column headers for each tuple shape commands.go's
// dumpNodes/dumpEdges/dumpSubnets/dumpConnections produce.
var dumpVerbs = map[string]struct {
	verb    control.Verb
	columns []string
}{
	"nodes":       {control.VerbDumpNodes, []string{"NAME", "FINGERPRINT", "ADDRESS"}},
	"edges":       {control.VerbDumpEdges, []string{"FROM", "TO", "WEIGHT"}},
	"subnets":     {control.VerbDumpSubnets, []string{"SUBNET", "OWNER"}},
	"connections": {control.VerbDumpConns, []string{"NAME", "ADDRESS", "STATUS"}},
}

func runDump(ctx context.Context, client *observer.Client, noun string, stdout io.Writer) error {
	spec, ok := dumpVerbs[noun]
	if !ok {
		return fmt.Errorf("dump: unknown target %q (want nodes, edges, subnets, or connections)", noun)
	}
	tuples, err := client.Dump(ctx, spec.verb)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, strings.Join(spec.columns, "\t"))
	for _, fields := range tuples {
		fmt.Fprintln(stdout, strings.Join(fields, "\t"))
	}
	return nil
}
