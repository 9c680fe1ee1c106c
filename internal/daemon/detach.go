// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vpnmesh/meshd/internal/errs"
)

// envDetachChild marks a re-exec'd process as the detached child
// rather than the supervising parent (spec.md §4.3). Go cannot safely
// fork(2) without an immediate exec once the runtime has started extra
// OS threads, so meshd detaches by re-executing itself with this
// variable set, the same technique zgrnet's hostUpDaemon uses via
// exec.Command + SysProcAttr{Setsid: true} — generalized here with the
// parent/child success handshake spec.md §4.3 additionally calls for.
const envDetachChild = "MESHD_DETACH_CHILD"

// envParentPID carries the supervising parent's PID to the child so it
// can signal success back without relying on process-group membership,
// which setsid deliberately severs.
const envParentPID = "MESHD_PARENT_PID"

// detachSupervisorTimeout is how long the parent waits for the child's
// success signal before assuming it failed (spec.md §4.3 step 1: "sleeps
// up to 600s").
const detachSupervisorTimeout = 600 * time.Second

// IsDetachChild reports whether this process is the re-exec'd child
// half of Detach, so main can skip straight to running instead of
// forking again.
func IsDetachChild() bool {
	return os.Getenv(envDetachChild) == "1"
}

// Detach implements C3's detach sequence. Called by a process that is
// not yet the detached child (IsDetachChild() == false): it re-execs
// itself with envDetachChild set and a new session (Setsid), then
// blocks until the child reports success via SIGTERM, reports failure
// by exiting before then (observed through cmd.Wait), or the timeout
// elapses.
// It never returns in the success or failure case — it calls
// os.Exit directly, matching the supervisor's role of being a thin
// process whose only job is to report the child's fate to the invoking
// shell.
func Detach() {
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: finding self for detach: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		envDetachChild+"=1",
		envParentPID+"="+strconv.Itoa(os.Getpid()),
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: starting detached child: %v\n", err)
		os.Exit(1)
	}

	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM)
	defer signal.Stop(termCh)

	childDied := make(chan error, 1)
	go func() {
		childDied <- cmd.Wait()
	}()

	select {
	case <-termCh:
		// Child signaled success (step 2: "signals the parent with
		// SIGTERM"). The child keeps running independently; this
		// process's job is done.
		os.Exit(0)
	case err := <-childDied:
		// Step 4: the child died before signaling success.
		fmt.Fprintf(os.Stderr, "meshd: detached child exited early: %v\n", err)
		os.Exit(1)
	case <-time.After(detachSupervisorTimeout):
		fmt.Fprintln(os.Stderr, "meshd: timed out waiting for detached child")
		cmd.Process.Kill()
		os.Exit(1)
	}
}

// SignalDetachSuccess is called by the child, once it has written its
// PID file and changed to "/", to report success to the waiting
// parent (step 2). It is a no-op if this process was not started via
// Detach (envParentPID unset), which is the case when run with -D.
func SignalDetachSuccess() error {
	parentPIDStr := os.Getenv(envParentPID)
	if parentPIDStr == "" {
		return nil
	}
	parentPID, err := strconv.Atoi(parentPIDStr)
	if err != nil {
		return errs.New(errs.KindFatal, "daemon.SignalDetachSuccess", fmt.Errorf("invalid %s=%q", envParentPID, parentPIDStr))
	}
	proc, err := os.FindProcess(parentPID)
	if err != nil {
		return errs.New(errs.KindFatal, "daemon.SignalDetachSuccess", err)
	}
	return proc.Signal(syscall.SIGTERM)
}

// ParentPID returns the supervising parent's PID for a detach child,
// or 0 if this process was not started via Detach.
func ParentPID() int {
	pid, err := strconv.Atoi(os.Getenv(envParentPID))
	if err != nil {
		return 0
	}
	return pid
}

// DetachFinish completes the child's half of step 2 that
// SignalDetachSuccess doesn't cover: changing to "/" so the daemon
// doesn't pin whatever directory it was launched from. Call once,
// after the PID file is written and before entering the main loop.
func DetachFinish() error {
	if err := os.Chdir("/"); err != nil {
		return errs.New(errs.KindFatal, "daemon.DetachFinish", err)
	}
	return SignalDetachSuccess()
}
