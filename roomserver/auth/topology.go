// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"sort"

	"github.com/arbormsg/arbor/roomserver/types"
)

// TopologicalSort orders a batch of events so that every event comes after
// all of its prev_events and auth_events ancestors present in the batch.
// Ties are broken by depth, then timestamp, then event ID, which makes the
// order total and identical on every server. Auth chains and backfill
// batches must pass through here before sequential application, or a child
// would be authorized against state its parent has not unlocked yet.
func TopologicalSort(events []*types.Event) []*types.Event {
	type node struct {
		event    *types.Event
		incoming int
		children []int
	}

	index := make(map[string]int, len(events))
	nodes := make([]node, len(events))
	for i, e := range events {
		index[e.EventID] = i
		nodes[i].event = e
	}
	for i, e := range events {
		for _, parents := range [][]string{e.PrevEvents, e.AuthEvents} {
			for _, parentID := range parents {
				j, ok := index[parentID]
				if !ok || j == i {
					continue
				}
				nodes[j].children = append(nodes[j].children, i)
				nodes[i].incoming++
			}
		}
	}

	less := func(a, b *types.Event) bool {
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	}

	var ready []int
	for i := range nodes {
		if nodes[i].incoming == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]*types.Event, 0, len(events))
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool {
			return less(nodes[ready[x]].event, nodes[ready[y]].event)
		})
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, nodes[i].event)
		for _, child := range nodes[i].children {
			nodes[child].incoming--
			if nodes[child].incoming == 0 {
				ready = append(ready, child)
			}
		}
	}

	// A cycle cannot happen with honest content-addressed events, but a
	// malicious batch could fabricate one. Emit the remainder in the
	// deterministic tie-break order rather than dropping it.
	if len(sorted) != len(events) {
		var rest []*types.Event
		for i := range nodes {
			if nodes[i].incoming > 0 {
				rest = append(rest, nodes[i].event)
			}
		}
		sort.Slice(rest, func(x, y int) bool { return less(rest[x], rest[y]) })
		sorted = append(sorted, rest...)
	}
	return sorted
}
