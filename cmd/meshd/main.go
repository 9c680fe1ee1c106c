// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Command meshd is the mesh VPN daemon: it loads a net's bootstrap and
// topology configuration, unseals its own long-term keypair, and runs
// internal/daemon's main loop until asked to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vpnmesh/meshd/internal/config"
	"github.com/vpnmesh/meshd/internal/control"
	"github.com/vpnmesh/meshd/internal/cryptoengine"
	"github.com/vpnmesh/meshd/internal/daemon"
	"github.com/vpnmesh/meshd/internal/daemonlog"
	"github.com/vpnmesh/meshd/internal/dataplane"
	"github.com/vpnmesh/meshd/internal/errs"
	"github.com/vpnmesh/meshd/internal/keystore"
	"github.com/vpnmesh/meshd/internal/meta"
	"github.com/vpnmesh/meshd/internal/pidlock"
	"github.com/vpnmesh/meshd/internal/topology"
	"github.com/vpnmesh/meshd/lib/process"
	"github.com/vpnmesh/meshd/lib/secret"
	"github.com/vpnmesh/meshd/lib/version"
	"github.com/vpnmesh/meshd/transport"
)

// defaultConfigPath is used when -c is not given.
const defaultConfigPath = "/etc/meshd/meshd.yaml"

// passphraseEnv carries the key-unseal passphrase across Detach's
// re-exec without a new CLI flag; -D (foreground) falls back to
// prompting on stdin when it's unset.
const passphraseEnv = "MESHD_KEY_PASSPHRASE"

func main() {
	os.Exit(run(os.Args))
}

type cliFlags struct {
	configPath string
	noDetach   bool
	debug      *int
	kill       bool
	netName    string
	timeoutSec int
	help       bool
	version    bool
}

func parseFlags(argv []string) (cliFlags, *pflag.FlagSet, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("meshd", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&f.configPath, "config", "c", "", "configuration file (default "+defaultConfigPath+")")
	fs.BoolVarP(&f.noDetach, "no-detach", "D", false, "don't detach from the controlling terminal")
	f.debug = fs.CountP("debug", "d", "raise the debug level (repeatable)")
	fs.BoolVarP(&f.kill, "kill", "k", false, "kill a running daemon for this net and exit")
	fs.StringVarP(&f.netName, "net", "n", "", "net name")
	fs.IntVarP(&f.timeoutSec, "timeout", "t", 0, "seconds to wait before timing out a request")
	fs.BoolVar(&f.help, "help", false, "show this help and exit")
	fs.BoolVar(&f.version, "version", false, "show version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-c FILE] [-D] [-d]... [-k] [-n NAME] [-t SECONDS] [--help] [--version]\n", filepath.Base(argv[0]))
		fs.PrintDefaults()
	}
	err := fs.Parse(argv[1:])
	return f, fs, err
}

func run(argv []string) int {
	f, fs, err := parseFlags(argv)
	if err != nil {
		return 1
	}
	if f.help {
		fs.Usage()
		return 0
	}
	if f.version {
		fmt.Println(version.Info())
		return 0
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	bootstrap, err := config.Load(configPath)
	if err != nil {
		process.Fatal(fmt.Errorf("loading configuration: %w", err))
	}
	if *f.debug > 0 {
		bootstrap.Debug = *f.debug
	}
	if f.timeoutSec > 0 {
		bootstrap.PongTimeoutSec = f.timeoutSec
	}

	paths := pidlock.Derive(f.netName, bootstrap.RunDirectory)

	if f.kill {
		return runKill(paths)
	}

	detached := !f.noDetach && !daemon.IsDetachChild()
	if detached {
		daemon.Detach() // re-execs and never returns.
	}

	logger, err := daemonlog.New(daemonlog.Options{
		NetName:  f.netName,
		Detached: !f.noDetach,
		Debug:    bootstrap.Debug,
	})
	if err != nil {
		process.Fatal(fmt.Errorf("setting up logging: %w", err))
	}

	daemon.CheckStartupWatchdog(watchdogPath(paths), logger)

	if err := pidlock.Acquire(paths); err != nil {
		process.Fatal(err)
	}
	defer pidlock.Release(paths)

	if err := startup(context.Background(), f, bootstrap, paths, logger); err != nil {
		logger.Error("startup failed", "error", err)
		process.Fatal(err)
	}
	return 0
}

// runKill implements -k: signal a running daemon for this net and
// remove its PID file. "Removing stale lock file." is printed whether
// the kill found a live process or a stale lock — spec.md §9 notes
// this as a cosmetic quirk inherited from the original and preserved
// as-is.
func runKill(paths pidlock.Paths) int {
	if _, err := pidlock.Kill(paths); err != nil {
		process.Fatal(err)
	}
	fmt.Fprintln(os.Stderr, "Removing stale lock file.")
	return 0
}

func watchdogPath(paths pidlock.Paths) string {
	return strings.TrimSuffix(paths.PIDFile, ".pid") + ".watchdog"
}

// startup finishes building and running the daemon: it unseals this
// host's keypair, loads the net topology, wires every internal/daemon
// dependency, and blocks in Run until a shutdown signal arrives.
func startup(ctx context.Context, f cliFlags, bootstrap config.Bootstrap, paths pidlock.Paths, logger *slog.Logger) error {
	netCfg, err := loadNetConfig(configPathOrDefault(f.configPath))
	if err != nil {
		return errs.Wrap(errs.KindConfig, "meshd.startup", "", err)
	}

	self, ok := netCfg.HostByName(netCfg.Self)
	if !ok {
		return errs.New(errs.KindConfig, "meshd.startup", fmt.Errorf("self host %q not found", netCfg.Self))
	}

	passphrase, err := readPassphrase(f.noDetach)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "meshd.startup", "", err)
	}
	defer passphrase.Close()

	pub, err := keystore.LoadPublic(bootstrap.KeyDirectory, netCfg.Self)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "meshd.startup", netCfg.Self, err)
	}
	priv, err := keystore.Unseal(bootstrap.KeyDirectory, netCfg.Self, passphrase)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, "meshd.startup", netCfg.Self, err)
	}

	identity := meta.Identity{
		Name:       netCfg.Self,
		PublicKey:  pub,
		PrivateKey: priv,
		Version:    fmt.Sprintf("%d.0", version.Protocol),
	}

	state := daemon.New(argvCopy())
	state.Debug = bootstrap.Debug
	state.Detached = !f.noDetach
	state.SupervisorPID = daemon.ParentPID()

	registry := topology.New(logger, netCfg.Self)
	signals := daemon.NewSignals(logger)
	dispatcher := daemon.NewDispatcher(registry, state, signals)
	crash := daemon.NewCrashRestart(paths, watchdogPath(paths), state, logger)
	controlServer := control.NewServer(bootstrap.ControlSocket, dispatcher, logger)

	metaListener, err := transport.NewListener(metaListenAddress(self.Address))
	if err != nil {
		return errs.Wrap(errs.KindIO, "meshd.startup", netCfg.Self, err)
	}

	d := &daemon.Daemon{
		State:        state,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Plane:        &dataplane.TunUDP{},
		Signals:      signals,
		Crash:        crash,
		Control:      controlServer,
		Engine:       cryptoengine.New(),
		Self:         identity,
		Directory:    keyDirectory{dir: bootstrap.KeyDirectory},
		Net:          netCfg,
		Bootstrap:    bootstrap,
		Paths:        paths,
		MetaListener: metaListener,
		Logger:       logger,
	}

	if !f.noDetach {
		if err := daemon.DetachFinish(); err != nil {
			return err
		}
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	return d.Run(runCtx)
}

func configPathOrDefault(path string) string {
	if path == "" {
		return defaultConfigPath
	}
	return path
}

func argvCopy() []string {
	return append([]string(nil), os.Args...)
}

// metaListenAddress binds every interface on the port the self host
// advertises to peers, rather than the advertised host part itself --
// binding to a specific address would fail on a host multi-homed or
// behind NAT, where the advertised address isn't a local interface.
func metaListenAddress(advertised string) string {
	_, port, err := net.SplitHostPort(advertised)
	if err != nil || port == "" {
		return ":655"
	}
	return ":" + port
}

// readPassphrase obtains the key-unseal passphrase: from passphraseEnv
// if set (the path Detach's re-exec preserves it across), or from
// stdin when running in the foreground. There's no way to prompt a
// detached child interactively, so a missing variable there is fatal.
func readPassphrase(foreground bool) (*secret.Buffer, error) {
	if raw, ok := os.LookupEnv(passphraseEnv); ok {
		os.Unsetenv(passphraseEnv)
		return secret.NewFromBytes([]byte(raw))
	}
	if !foreground {
		return nil, fmt.Errorf("%s is not set and meshd is not running in the foreground to prompt for one", passphraseEnv)
	}
	return secret.ReadFromPath("-")
}
