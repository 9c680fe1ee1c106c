// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"github.com/vpnmesh/meshd/internal/meta"
	"github.com/vpnmesh/meshd/internal/pidlock"
)

// Shutdown implements C7's step 6: close every meta connection after
// sending TERMREQ, tear down the data plane, and unlink the PID file.
// Closing whatever log sink main.go opened and the final process exit
// are its job, once Run returns — this only unwinds what Daemon itself
// owns.
func (d *Daemon) Shutdown() {
	for name, conn := range d.conns {
		conn.Send(meta.ReqTermreq)
		conn.Close()
		delete(d.conns, name)
		if id, ok := d.connIDs[name]; ok {
			d.Registry.Remove(id)
			delete(d.connIDs, name)
		}
	}
	if d.Dispatcher != nil {
		d.Dispatcher.RefreshSnapshot()
	}

	if d.Plane != nil {
		if err := d.Plane.Stop(); err != nil && d.Logger != nil {
			d.Logger.Warn("stopping data plane", "error", err)
		}
	}

	if err := pidlock.Release(d.Paths); err != nil && d.Logger != nil {
		d.Logger.Warn("releasing pid lock", "error", err)
	}
}
