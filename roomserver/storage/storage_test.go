// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/test"
)

func newDB(t *testing.T) *shared.Database {
	t.Helper()
	caches, err := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	require.NoError(t, err)
	db, err := Open("file::memory:", caches)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.DB.Close() })
	return db
}

func makeRoom(t *testing.T) (*test.Room, *test.User) {
	t.Helper()
	srv := test.NewServer("one")
	alice := srv.UserWithName("alice")
	return test.NewRoom(t, alice), alice
}

func TestRoomLifecycle(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()

	info, err := db.RoomInfo(ctx, "!unknown:one")
	require.NoError(t, err)
	assert.Nil(t, info)

	nid, err := db.GetOrCreateRoomNID(ctx, "!r:one", "7")
	require.NoError(t, err)
	require.NotZero(t, nid)

	again, err := db.GetOrCreateRoomNID(ctx, "!r:one", "7")
	require.NoError(t, err)
	assert.Equal(t, nid, again)

	info, err = db.RoomInfo(ctx, "!r:one")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, nid, info.RoomNID)
	assert.Equal(t, "!r:one", info.RoomID)
	assert.Equal(t, "7", info.RoomVersion)
	assert.True(t, info.Pending, "a freshly inserted room starts pending")
	assert.Empty(t, info.HeadEventID)
	assert.Zero(t, info.StateSnapshotNID)
}

func TestStoreEventRoundTrip(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()
	room, _ := makeRoom(t)
	events := room.Events()
	join := events[1]

	nid, err := db.GetOrCreateRoomNID(ctx, room.ID, string(room.Version))
	require.NoError(t, err)
	info, err := db.RoomInfo(ctx, room.ID)
	require.NoError(t, err)

	meta := types.EventMetadata{Present: true, ReceivedFrom: "two", ReceivedAt: 123}
	require.NoError(t, db.StoreEvent(ctx, nid, join, meta))

	stored, err := db.Event(ctx, info, join.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.Event)
	assert.Equal(t, join.EventID, stored.Event.EventID)
	assert.Equal(t, join.Type, stored.Event.Type)
	assert.JSONEq(t, string(join.JSON), string(stored.Event.JSON))
	assert.True(t, stored.Metadata.Present)
	assert.False(t, stored.Metadata.Processed)
	assert.Equal(t, "two", stored.Metadata.ReceivedFrom)
	assert.Equal(t, int64(123), stored.Metadata.ReceivedAt)

	// The join references the create event, which we never stored: it must
	// exist as a placeholder row only.
	ref, err := db.Event(ctx, info, events[0].EventID)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.False(t, ref.Metadata.Present)
	assert.Nil(t, ref.Event)

	// Re-storing a present event must not clobber its provenance.
	require.NoError(t, db.StoreEvent(ctx, nid, join, types.EventMetadata{
		Present: true, ReceivedFrom: "three", ReceivedAt: 999,
	}))
	stored, err = db.Event(ctx, info, join.EventID)
	require.NoError(t, err)
	assert.Equal(t, "two", stored.Metadata.ReceivedFrom)
}

func TestMarkEventProcessed(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()
	room, _ := makeRoom(t)
	events := room.Events()

	nid, err := db.GetOrCreateRoomNID(ctx, room.ID, string(room.Version))
	require.NoError(t, err)
	info, err := db.RoomInfo(ctx, room.ID)
	require.NoError(t, err)

	for _, ev := range events {
		require.NoError(t, db.StoreEvent(ctx, nid, ev, types.EventMetadata{Present: true}))
	}

	pos1, err := db.MarkEventProcessed(ctx, info, events[0].EventID, types.Allow(events[0].EventID))
	require.NoError(t, err)
	pos2, err := db.MarkEventProcessed(ctx, info, events[1].EventID, types.Deny(events[1].EventID, "nope"))
	require.NoError(t, err)
	pos3, err := db.MarkEventProcessed(ctx, info, events[2].EventID, types.Invalidate(events[2].EventID, "broken"))
	require.NoError(t, err)
	assert.Less(t, pos1, pos2)
	assert.Less(t, pos2, pos3)

	allowed, err := db.Event(ctx, info, events[0].EventID)
	require.NoError(t, err)
	assert.True(t, allowed.Metadata.Processed)
	assert.True(t, allowed.Metadata.Valid)
	assert.True(t, allowed.Metadata.Allowed)

	denied, err := db.Event(ctx, info, events[1].EventID)
	require.NoError(t, err)
	assert.True(t, denied.Metadata.Processed)
	assert.True(t, denied.Metadata.Valid)
	assert.False(t, denied.Metadata.Allowed)

	invalid, err := db.Event(ctx, info, events[2].EventID)
	require.NoError(t, err)
	assert.True(t, invalid.Metadata.Processed)
	assert.False(t, invalid.Metadata.Valid)
	assert.False(t, invalid.Metadata.Allowed)

	// The reason given at first judgement is durable.
	assert.Empty(t, allowed.Metadata.Reason)
	assert.Equal(t, "nope", denied.Metadata.Reason)
	assert.Equal(t, "broken", invalid.Metadata.Reason)

	max, err := db.MaxStreamPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, pos3, max)

	entries, err := db.StreamEntries(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, pos1, entries[0].Position)
	assert.Equal(t, events[0].EventID, entries[0].EventID)
	assert.Equal(t, types.DecisionAllowed, entries[0].Decision)
	assert.Equal(t, types.DecisionDenied, entries[1].Decision)

	rest, err := db.StreamEntries(ctx, pos2, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, types.DecisionInvalid, rest[0].Decision)
}

func TestForwardExtremities(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()

	nid, err := db.GetOrCreateRoomNID(ctx, "!r:one", "7")
	require.NoError(t, err)

	require.NoError(t, db.ReplaceForwardExtremities(ctx, nid, nil, "$a"))
	heads, err := db.ForwardExtremities(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, []string{"$a"}, heads)

	// A second head appears when an event does not consume the first.
	require.NoError(t, db.ReplaceForwardExtremities(ctx, nid, nil, "$b"))
	heads, err = db.ForwardExtremities(ctx, nid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$a", "$b"}, heads)

	// A merge event consumes both.
	require.NoError(t, db.ReplaceForwardExtremities(ctx, nid, []string{"$a", "$b"}, "$c"))
	heads, err = db.ForwardExtremities(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, []string{"$c"}, heads)
}

func TestBackwardExtremities(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()

	nid, err := db.GetOrCreateRoomNID(ctx, "!r:one", "7")
	require.NoError(t, err)

	require.NoError(t, db.AddBackwardExtremity(ctx, nid, "$gap"))
	require.NoError(t, db.AddBackwardExtremity(ctx, nid, "$gap")) // idempotent
	gaps, err := db.BackwardExtremities(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, []string{"$gap"}, gaps)

	require.NoError(t, db.RemoveBackwardExtremity(ctx, nid, "$gap"))
	gaps, err = db.BackwardExtremities(ctx, nid)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()
	room, _ := makeRoom(t)
	events := room.Events()

	nid, err := db.GetOrCreateRoomNID(ctx, room.ID, string(room.Version))
	require.NoError(t, err)
	info, err := db.RoomInfo(ctx, room.ID)
	require.NoError(t, err)

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		require.NoError(t, db.StoreEvent(ctx, nid, ev, types.EventMetadata{Present: true}))
		ids = append(ids, ev.EventID)
	}
	held, err := db.Events(ctx, info, ids)
	require.NoError(t, err)
	nids := make([]types.EventNID, 0, len(ids))
	for _, id := range ids {
		require.Contains(t, held, id)
		nids = append(nids, held[id].EventNID)
	}

	stateNID, err := db.AddStateSnapshot(ctx, nid, nids)
	require.NoError(t, err)
	require.NotZero(t, stateNID)

	members, err := db.StateSnapshot(ctx, info, stateNID)
	require.NoError(t, err)
	got := make([]string, 0, len(members))
	for _, m := range members {
		got = append(got, m.EventID)
	}
	assert.ElementsMatch(t, ids, got)

	head := events[len(events)-1]
	require.NoError(t, db.SetEventState(ctx, nid, head.EventID, stateNID))
	stored, err := db.Event(ctx, info, head.EventID)
	require.NoError(t, err)
	assert.Equal(t, stateNID, stored.StateSnapshotNID)

	require.NoError(t, db.UpdateRoomView(ctx, info, head.EventID, stateNID, true))
	info, err = db.RoomInfo(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, head.EventID, info.HeadEventID)
	assert.Equal(t, stateNID, info.StateSnapshotNID)
	assert.False(t, info.Pending)
}

func TestUpdateRoomViewScopedToRoom(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()

	nidA, err := db.GetOrCreateRoomNID(ctx, "!a:one", "7")
	require.NoError(t, err)
	nidB, err := db.GetOrCreateRoomNID(ctx, "!b:one", "7")
	require.NoError(t, err)
	require.NotEqual(t, nidA, nidB)

	infoA, err := db.RoomInfo(ctx, "!a:one")
	require.NoError(t, err)

	// The snapshot NID deliberately collides with room B's row NID; only
	// room A may change.
	require.NoError(t, db.UpdateRoomView(ctx, infoA, "$head:a", types.StateSnapshotNID(nidB), false))

	infoA, err = db.RoomInfo(ctx, "!a:one")
	require.NoError(t, err)
	assert.Equal(t, "$head:a", infoA.HeadEventID)
	assert.Equal(t, types.StateSnapshotNID(nidB), infoA.StateSnapshotNID)
	assert.True(t, infoA.Pending)

	infoB, err := db.RoomInfo(ctx, "!b:one")
	require.NoError(t, err)
	assert.Empty(t, infoB.HeadEventID)
	assert.Zero(t, infoB.StateSnapshotNID)
}

func TestMinDepthIgnoresPlaceholders(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()
	room, _ := makeRoom(t)
	events := room.Events()

	nid, err := db.GetOrCreateRoomNID(ctx, room.ID, string(room.Version))
	require.NoError(t, err)

	// Storing only the second event leaves a depth-zero placeholder for the
	// create event, which must not drag the minimum down.
	require.NoError(t, db.StoreEvent(ctx, nid, events[1], types.EventMetadata{Present: true}))
	min, err := db.MinDepth(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, events[1].Depth, min)

	require.NoError(t, db.StoreEvent(ctx, nid, events[0], types.EventMetadata{Present: true}))
	min, err = db.MinDepth(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, events[0].Depth, min)
}

func TestRoomAliases(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := context.Background()

	roomID, err := db.RoomIDForAlias(ctx, "#nowhere:one")
	require.NoError(t, err)
	assert.Empty(t, roomID)

	require.NoError(t, db.SetRoomAlias(ctx, "#general:one", "!r:one"))
	require.NoError(t, db.SetRoomAlias(ctx, "#other:one", "!r:one"))

	roomID, err = db.RoomIDForAlias(ctx, "#general:one")
	require.NoError(t, err)
	assert.Equal(t, "!r:one", roomID)

	aliases, err := db.AliasesForRoom(ctx, "!r:one")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"#general:one", "#other:one"}, aliases)

	require.NoError(t, db.RemoveRoomAlias(ctx, "#general:one"))
	roomID, err = db.RoomIDForAlias(ctx, "#general:one")
	require.NoError(t, err)
	assert.Empty(t, roomID)
}
