// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormsg/arbor/roomserver/types"
)

func dagEvent(id string, depth int64, prevs, auths []string) *types.Event {
	return &types.Event{
		EventID:        id,
		Depth:          depth,
		PrevEvents:     prevs,
		AuthEvents:     auths,
		OriginServerTS: 1700000000000 + depth,
	}
}

func positions(events []*types.Event) map[string]int {
	pos := make(map[string]int, len(events))
	for i, e := range events {
		pos[e.EventID] = i
	}
	return pos
}

func assertAncestorsFirst(t *testing.T, events []*types.Event) {
	t.Helper()
	pos := positions(events)
	for _, e := range events {
		for _, parents := range [][]string{e.PrevEvents, e.AuthEvents} {
			for _, parent := range parents {
				parentPos, held := pos[parent]
				if !held {
					continue
				}
				assert.Less(t, parentPos, pos[e.EventID],
					"parent %s must sort before %s", parent, e.EventID)
			}
		}
	}
}

func TestTopologicalSortOrdersAncestorsFirst(t *testing.T) {
	t.Parallel()
	create := dagEvent("$create", 1, nil, nil)
	join := dagEvent("$join", 2, []string{"$create"}, []string{"$create"})
	power := dagEvent("$power", 3, []string{"$join"}, []string{"$create", "$join"})
	msgA := dagEvent("$a", 4, []string{"$power"}, []string{"$create", "$join", "$power"})
	msgB := dagEvent("$b", 4, []string{"$power"}, []string{"$create", "$join", "$power"})
	child := dagEvent("$c", 5, []string{"$a", "$b"}, []string{"$create", "$join", "$power"})
	all := []*types.Event{create, join, power, msgA, msgB, child}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]*types.Event{}, all...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		sorted := TopologicalSort(shuffled)
		require.Len(t, sorted, len(all))
		assertAncestorsFirst(t, sorted)

		// The tie-break makes the order total, so every shuffle must land
		// on the identical sequence.
		assert.Equal(t, "$create", sorted[0].EventID)
		first := TopologicalSort(all)
		assert.Equal(t, positions(first), positions(sorted))
	}
}

func TestTopologicalSortIgnoresUnknownParents(t *testing.T) {
	t.Parallel()
	// Backfill batches routinely reference ancestors outside the batch.
	a := dagEvent("$a", 10, []string{"$outside"}, nil)
	b := dagEvent("$b", 11, []string{"$a"}, nil)
	sorted := TopologicalSort([]*types.Event{b, a})
	require.Len(t, sorted, 2)
	assert.Equal(t, "$a", sorted[0].EventID)
	assert.Equal(t, "$b", sorted[1].EventID)
}

func TestTopologicalSortSurvivesCycles(t *testing.T) {
	t.Parallel()
	// Honest content-addressed events cannot form a cycle; a forged batch
	// can. Everything must still come out, in a deterministic order.
	a := dagEvent("$a", 1, []string{"$b"}, nil)
	b := dagEvent("$b", 2, []string{"$a"}, nil)
	c := dagEvent("$c", 3, []string{"$a"}, nil)
	sorted := TopologicalSort([]*types.Event{c, b, a})
	require.Len(t, sorted, 3)

	again := TopologicalSort([]*types.Event{a, c, b})
	assert.Equal(t, positions(sorted), positions(again))
}
