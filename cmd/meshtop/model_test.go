// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/vpnmesh/meshd/internal/observer"
)

func TestSortLabel(t *testing.T) {
	tests := map[observer.SortMode]string{
		observer.SortByName:         "name",
		observer.SortByInPackets:    "in-pkts",
		observer.SortByInBytes:      "in-bytes",
		observer.SortByOutPackets:   "out-pkts",
		observer.SortByOutBytes:     "out-bytes",
		observer.SortByTotalPackets: "total-pkts",
		observer.SortByTotalBytes:   "total-bytes",
	}
	for mode, want := range tests {
		if got := sortLabel(mode); got != want {
			t.Errorf("sortLabel(%v) = %q, want %q", mode, got, want)
		}
	}
}

func TestCumLabel(t *testing.T) {
	if cumLabel(true) != "cumulative" {
		t.Errorf("cumLabel(true) should read cumulative")
	}
	if cumLabel(false) != "rate" {
		t.Errorf("cumLabel(false) should read rate")
	}
}

func TestColumnsForCumulativeVsRate(t *testing.T) {
	rate := columnsFor(false)
	cumulative := columnsFor(true)
	if rate[1].Title == cumulative[1].Title {
		t.Errorf("rate and cumulative columns should have different headers, both got %q", rate[1].Title)
	}
	if rate[0].Title != "NAME" || cumulative[0].Title != "NAME" {
		t.Errorf("first column should always be NAME")
	}
}

func TestRowsForRateMode(t *testing.T) {
	rates := []observer.Rate{
		{Name: "gw-ams", Known: true, InPacketsPerSec: 10, InBytesPerSec: 2048},
	}
	rows := rowsFor(rates, false, true)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if !strings.Contains(rows[0][0], "gw-ams") {
		t.Errorf("row name cell = %q, want it to contain gw-ams", rows[0][0])
	}
	if rows[0][1] != "10.0" {
		t.Errorf("in-pkt/s cell = %q, want 10.0", rows[0][1])
	}
}

func TestRowsForCumulativeMode(t *testing.T) {
	rates := []observer.Rate{
		{Name: "gw-fra", Known: true, Cumulative: observer.NodeTraffic{InPackets: 42, InBytes: 1024}},
	}
	rows := rowsFor(rates, true, true)
	if rows[0][1] != "42" {
		t.Errorf("cumulative in-pkts cell = %q, want 42", rows[0][1])
	}
}

func TestStyleRowPlainMarkers(t *testing.T) {
	active := []string{"gw-ams", "10.0"}
	styleRow(active, observer.Rate{Known: true, InPacketsPerSec: 5}, true)
	if !strings.HasPrefix(active[0], "* ") {
		t.Errorf("active row should get a '* ' prefix under plain styling, got %q", active[0])
	}

	unknown := []string{"gw-fra", "0.0"}
	styleRow(unknown, observer.Rate{Known: false}, true)
	if !strings.HasPrefix(unknown[0], "~ ") {
		t.Errorf("unknown row should get a '~ ' prefix under plain styling, got %q", unknown[0])
	}
}

func TestFuzzyFilterEmptyQueryReturnsAllRows(t *testing.T) {
	rates := []observer.Rate{{Name: "gw-ams"}, {Name: "gw-fra"}}
	out := fuzzyFilter(rates, "")
	if len(out) != 2 {
		t.Fatalf("empty query should return every row unfiltered, got %d", len(out))
	}
}

func TestFuzzyFilterMatchesSubsequence(t *testing.T) {
	rates := []observer.Rate{{Name: "gw-amsterdam"}, {Name: "gw-frankfurt"}, {Name: "node-tokyo"}}
	out := fuzzyFilter(rates, "ams")
	if len(out) != 1 || out[0].Name != "gw-amsterdam" {
		t.Fatalf("expected only gw-amsterdam to match %q, got %v", "ams", out)
	}
}

func TestFuzzyFilterNoMatchReturnsEmpty(t *testing.T) {
	rates := []observer.Rate{{Name: "gw-ams"}, {Name: "gw-fra"}}
	out := fuzzyFilter(rates, "xyz123")
	if len(out) != 0 {
		t.Fatalf("expected no matches, got %v", out)
	}
}
