// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import "golang.org/x/time/rate"

// LineRateLimit is the sustained rate of inbound meta-lines a single
// connection may present before it is treated as abusive. LineBurst
// allows a legitimate topology dump (several ADD_NODE/ADD_SUBNET/
// ADD_EDGE lines back to back on a fresh connection) through without
// tripping the limiter.
const (
	LineRateLimit = 50 // lines/sec
	LineBurst     = 200
)

// newLineLimiter builds the per-connection limiter connection.go's
// reader loop waits on before decoding each line. Once the burst is
// spent, Wait delays each further line until a token is available, which
// holds a connection to LineRateLimit lines/sec; it returns early only
// when its context is cancelled. The limiter throttles but never
// disconnects a peer.
func newLineLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(LineRateLimit), LineBurst)
}
