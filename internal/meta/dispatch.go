// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"fmt"

	"github.com/vpnmesh/meshd/internal/errs"
)

// handlerSpec describes one request code's dispatch requirements
// (spec.md §4.5): the minimum connection state it may arrive in and
// the minimum argument count it requires. Rebroadcast membership is
// looked up separately via Rebroadcasts.
type handlerSpec struct {
	minState State
	minArgs  int
}

var handlers = map[RequestCode]handlerSpec{
	ReqAddNode:    {minState: StateAuthenticated, minArgs: 2},
	ReqDelNode:    {minState: StateAuthenticated, minArgs: 1},
	ReqAddSubnet:  {minState: StateAuthenticated, minArgs: 2},
	ReqDelSubnet:  {minState: StateAuthenticated, minArgs: 2},
	ReqAddEdge:    {minState: StateAuthenticated, minArgs: 4},
	ReqDelEdge:    {minState: StateAuthenticated, minArgs: 2},
	ReqKeyChanged: {minState: StateAuthenticated, minArgs: 1},
	ReqPing:       {minState: StateAuthenticated, minArgs: 0},
	ReqPong:       {minState: StateAuthenticated, minArgs: 0},
	ReqReqKey:     {minState: StateAuthenticated, minArgs: 1},
	ReqAnsKey:     {minState: StateAuthenticated, minArgs: 2},
	ReqStatus:     {minState: StateAuthenticated, minArgs: 1},
	ReqError:      {minState: StateAuthenticated, minArgs: 1},
	ReqTermreq:    {minState: StateAuthenticated, minArgs: 0},
}

// Dispatcher is internal/daemon's callback surface for post-handshake
// traffic: topology mutations and point-to-point requests. Every
// method runs on the main-loop goroutine — internal/daemon's main loop
// calls it for Events the reader goroutines forward; connection.go
// never calls it directly.
type Dispatcher interface {
	// HandleLine processes one post-authentication Line received on
	// conn. If it returns true, the line should be rebroadcast to every
	// other authenticated connection (origin suppressed).
	HandleLine(conn *Connection, line Line) (rebroadcast bool, err error)
}

// validate checks a line against its handler's minimum state and
// argument count, returning a Protocol error if either is violated.
func validate(state State, line Line) error {
	spec, known := handlers[line.Code]
	if !known {
		return errs.New(errs.KindProtocol, "meta.validate", fmt.Errorf("unknown request code %s", line.Code))
	}
	if state < spec.minState {
		return errs.New(errs.KindProtocol, "meta.validate", fmt.Errorf("%s requires state >= %s, connection is in %s", line.Code, spec.minState, state))
	}
	if len(line.Args) < spec.minArgs {
		return errs.New(errs.KindProtocol, "meta.validate", fmt.Errorf("%s requires %d args, got %d", line.Code, spec.minArgs, len(line.Args)))
	}
	return nil
}
