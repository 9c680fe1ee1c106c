// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"sort"
	"time"
)

// NodeTraffic is one node's cumulative counters as reported by a
// single DUMP_TRAFFIC tuple (spec.md §4.6): packets/bytes in and out,
// tap and socket already summed on the daemon side.
type NodeTraffic struct {
	Name       string
	InPackets  uint64
	InBytes    uint64
	OutPackets uint64
	OutBytes   uint64
}

// Snapshot is one DUMP_TRAFFIC response, timestamped at the moment the
// request that produced it was sent — the instant a rate calculation
// needs on both ends of the diff, not when the (possibly large,
// possibly gzipped) response finished arriving.
type Snapshot struct {
	Captured time.Time
	Nodes    []NodeTraffic
}

// SortMode selects meshtop's display ordering, one per spec.md §4.9
// key binding (n/i/I/o/O/t/T).
type SortMode int

const (
	SortByName SortMode = iota
	SortByInPackets
	SortByInBytes
	SortByOutPackets
	SortByOutBytes
	SortByTotalPackets
	SortByTotalBytes
)

// Rate is one node's traffic expressed both ways meshtop can display
// it: the cumulative counters from the most recent sample, and the
// per-second rate derived from the two most recent samples.
type Rate struct {
	Name       string
	Known      bool
	Cumulative NodeTraffic

	InPacketsPerSec  float64
	InBytesPerSec    float64
	OutPacketsPerSec float64
	OutBytesPerSec   float64
}

// TotalPacketsPerSec is InPacketsPerSec+OutPacketsPerSec, the value
// SortByTotalPackets orders on.
func (r Rate) TotalPacketsPerSec() float64 { return r.InPacketsPerSec + r.OutPacketsPerSec }

// TotalBytesPerSec is InBytesPerSec+OutBytesPerSec, the value
// SortByTotalBytes orders on.
func (r Rate) TotalBytesPerSec() float64 { return r.InBytesPerSec + r.OutBytesPerSec }

// Active reports whether this node is carrying any traffic right now,
// the condition spec.md §4.9 renders bold rather than dim.
func (r Rate) Active() bool {
	return r.Known && (r.InPacketsPerSec > 0 || r.OutPacketsPerSec > 0)
}

// Table tracks the observer's rolling view of the mesh across ticks.
// It owns the most recent snapshot and the per-node rate derived from
// it, so that a node dropped from one DUMP_TRAFFIC response (the
// daemon purged it, or it's simply unreachable this tick) still has a
// last-known row to render dim rather than disappearing outright.
type Table struct {
	prev      Snapshot
	haveFirst bool
	rates     map[string]Rate
}

// NewTable returns an empty Table. The first Update has no prior
// sample to diff against, so every node's initial rate reads zero.
func NewTable() *Table {
	return &Table{rates: make(map[string]Rate)}
}

// Update folds a new snapshot into the table, computing each node's
// rate from the wall-clock delta between this snapshot's Captured time
// and the previous one's — not whatever refresh delay the caller
// requested — per spec.md §4.9's rate formula.
func (t *Table) Update(snap Snapshot) {
	interval := snap.Captured.Sub(t.prev.Captured).Seconds()
	seen := make(map[string]bool, len(snap.Nodes))

	for _, cur := range snap.Nodes {
		seen[cur.Name] = true
		rate := Rate{Name: cur.Name, Known: true, Cumulative: cur}

		if t.haveFirst && interval > 0 {
			if prev, ok := t.previous(cur.Name); ok {
				rate.InPacketsPerSec = deltaPerSec(prev.InPackets, cur.InPackets, interval)
				rate.InBytesPerSec = deltaPerSec(prev.InBytes, cur.InBytes, interval)
				rate.OutPacketsPerSec = deltaPerSec(prev.OutPackets, cur.OutPackets, interval)
				rate.OutBytesPerSec = deltaPerSec(prev.OutBytes, cur.OutBytes, interval)
			}
		}
		t.rates[cur.Name] = rate
	}

	// Nodes absent from this tick's dump keep their last cumulative
	// counters (so "c" cumulative mode still shows a number) but their
	// rate drops to zero and Known flips false, which meshtop renders
	// dim rather than bold.
	for name, rate := range t.rates {
		if seen[name] {
			continue
		}
		rate.Known = false
		rate.InPacketsPerSec, rate.InBytesPerSec = 0, 0
		rate.OutPacketsPerSec, rate.OutBytesPerSec = 0, 0
		t.rates[name] = rate
	}

	t.prev = snap
	t.haveFirst = true
}

func (t *Table) previous(name string) (NodeTraffic, bool) {
	for _, n := range t.prev.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeTraffic{}, false
}

// Sorted returns every tracked node's current Rate ordered per mode:
// SortByName ascending, every other mode descending (spec.md §4.9).
func (t *Table) Sorted(mode SortMode) []Rate {
	out := make([]Rate, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		switch mode {
		case SortByInPackets:
			return out[i].InPacketsPerSec > out[j].InPacketsPerSec
		case SortByInBytes:
			return out[i].InBytesPerSec > out[j].InBytesPerSec
		case SortByOutPackets:
			return out[i].OutPacketsPerSec > out[j].OutPacketsPerSec
		case SortByOutBytes:
			return out[i].OutBytesPerSec > out[j].OutBytesPerSec
		case SortByTotalPackets:
			return out[i].TotalPacketsPerSec() > out[j].TotalPacketsPerSec()
		case SortByTotalBytes:
			return out[i].TotalBytesPerSec() > out[j].TotalBytesPerSec()
		default:
			return out[i].Name < out[j].Name
		}
	})
	return out
}

// deltaPerSec returns (cur-prev)/interval, or 0 if cur < prev — a
// counter that went backwards means the daemon restarted or was
// purged between samples, so this tick reports as a fresh baseline
// rather than a negative rate.
func deltaPerSec(prev, cur uint64, interval float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / interval
}
