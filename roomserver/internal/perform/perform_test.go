// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/storage/sqlite3"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/test"
)

// harness wires the perform layer against a real sqlite database and a
// pluggable federation client, the way the roomserver assembles it.
type harness struct {
	srv     *test.Server
	db      *shared.Database
	inputer *input.Inputer
	creator *Creator
	joiner  *Joiner
	leaver  *Leaver
	inviter *Inviter
	aliaser *Aliaser
}

func newHarness(t *testing.T, fedClient fedapi.FederationClient) *harness {
	t.Helper()
	caches, err := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	require.NoError(t, err)
	db, err := sqlite3.Open("file::memory:", caches)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.DB.Close() })

	srv := test.NewServer("one")
	cfg := &config.RoomServer{MaxBackfillBatch: 100, MaxMissingDepthSpan: 1000}
	inputer := &input.Inputer{
		Cfg:        cfg,
		DB:         db,
		ServerName: srv.Name,
		KeyID:      srv.KeyID,
		PrivateKey: srv.PrivateKey,
		FedClient:  fedClient,
	}
	return &harness{
		srv:     srv,
		db:      db,
		inputer: inputer,
		creator: &Creator{DB: db, Cfg: cfg, ServerName: srv.Name, Inputer: inputer},
		joiner:  &Joiner{DB: db, ServerName: srv.Name, Inputer: inputer, FedClient: fedClient},
		leaver:  &Leaver{DB: db, Inputer: inputer},
		inviter: &Inviter{DB: db, ServerName: srv.Name, Inputer: inputer, FedClient: fedClient},
		aliaser: &Aliaser{DB: db, ServerName: srv.Name},
	}
}

func (h *harness) createRoom(t *testing.T, creator string, public bool) string {
	t.Helper()
	req := &api.PerformCreateRoomRequest{Creator: creator, Public: public}
	var res api.PerformCreateRoomResponse
	require.NoError(t, h.creator.PerformCreateRoom(context.Background(), req, &res))
	return res.RoomID
}

func TestPerformCreateRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	ctx := context.Background()

	req := &api.PerformCreateRoomRequest{
		Creator: "@alice:one",
		Public:  true,
		Name:    "the room",
		Alias:   "#the-room:one",
	}
	var res api.PerformCreateRoomResponse
	require.NoError(t, h.creator.PerformCreateRoom(ctx, req, &res))
	require.NotEmpty(t, res.RoomID)
	require.NotEmpty(t, res.Verdicts)
	for _, verdict := range res.Verdicts {
		assert.True(t, verdict.IsAllowed(), verdict.Reason)
	}

	info, err := h.db.RoomInfo(ctx, res.RoomID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.False(t, info.Pending)

	roomID, err := h.db.RoomIDForAlias(ctx, "#the-room:one")
	require.NoError(t, err)
	assert.Equal(t, res.RoomID, roomID)
}

func TestPerformCreateRoomUnknownVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	req := &api.PerformCreateRoomRequest{Creator: "@alice:one", RoomVersion: "999"}
	var res api.PerformCreateRoomResponse
	assert.Error(t, h.creator.PerformCreateRoom(context.Background(), req, &res))
}

func TestLocalJoin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	ctx := context.Background()
	roomID := h.createRoom(t, "@alice:one", true)

	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(ctx, &api.PerformJoinRequest{
		UserID:        "@bob:one",
		RoomIDOrAlias: roomID,
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, roomID, res.RoomID)
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)
}

func TestLocalJoinDeniedInPrivateRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	roomID := h.createRoom(t, "@alice:one", false)

	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(context.Background(), &api.PerformJoinRequest{
		UserID:        "@bob:one",
		RoomIDOrAlias: roomID,
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDenied, res.Verdict.Decision)
}

func TestJoinUnknownRoomWithoutCandidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(context.Background(), &api.PerformJoinRequest{
		UserID:        "@bob:one",
		RoomIDOrAlias: "!nowhere:two",
	}, &res)
	assert.ErrorIs(t, err, types.ErrNoCandidates)
}

func TestRemoteJoin(t *testing.T) {
	t.Parallel()
	remote := test.NewServer("two")
	carol := remote.UserWithName("carol")
	room := test.NewRoom(t, carol, test.RoomPublic())
	fed := test.NewFederation()
	fed.AddRoom(remote.Name, room)

	h := newHarness(t, fed)
	ctx := context.Background()

	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(ctx, &api.PerformJoinRequest{
		UserID:        "@alice:one",
		RoomIDOrAlias: room.ID,
		ServerNames:   []string{remote.Name},
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, room.ID, res.RoomID)
	require.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)

	// The handshake must leave a fully materialised local replica.
	info, err := h.db.RoomInfo(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.False(t, info.Pending)
	assert.Equal(t, res.Verdict.EventID, info.HeadEventID)

	extremities, err := h.db.ForwardExtremities(ctx, info.RoomNID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Verdict.EventID}, extremities)
}

func TestRemoteJoinViaAlias(t *testing.T) {
	t.Parallel()
	remote := test.NewServer("two")
	carol := remote.UserWithName("carol")
	room := test.NewRoom(t, carol, test.RoomPublic())
	fed := test.NewFederation()
	fed.AddRoom(remote.Name, room)
	fed.AddAlias("#pub:two", room.ID)

	h := newHarness(t, fed)
	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(context.Background(), &api.PerformJoinRequest{
		UserID:        "@alice:one",
		RoomIDOrAlias: "#pub:two",
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, room.ID, res.RoomID)
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)
}

func TestRemoteJoinTriesNextCandidate(t *testing.T) {
	t.Parallel()
	resident := test.NewServer("three")
	carol := resident.UserWithName("carol")
	room := test.NewRoom(t, carol, test.RoomPublic())
	fed := test.NewFederation()
	fed.AddRoom(resident.Name, room)
	fed.Unreachable["two"] = true

	h := newHarness(t, fed)
	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(context.Background(), &api.PerformJoinRequest{
		UserID:        "@alice:one",
		RoomIDOrAlias: room.ID,
		ServerNames:   []string{"two", resident.Name},
	}, &res)
	require.NoError(t, err)
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)
}

func TestRemoteJoinExhaustsCandidates(t *testing.T) {
	t.Parallel()
	fed := test.NewFederation()
	fed.Unreachable["two"] = true
	fed.Unreachable["three"] = true

	h := newHarness(t, fed)
	var res api.PerformJoinResponse
	err := h.joiner.PerformJoin(context.Background(), &api.PerformJoinRequest{
		UserID:        "@alice:one",
		RoomIDOrAlias: "!somewhere:two",
		ServerNames:   []string{"two", "three"},
	}, &res)
	assert.Error(t, err)
}

func TestPerformLeave(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	ctx := context.Background()
	roomID := h.createRoom(t, "@alice:one", true)

	var joinRes api.PerformJoinResponse
	require.NoError(t, h.joiner.PerformJoin(ctx, &api.PerformJoinRequest{
		UserID:        "@bob:one",
		RoomIDOrAlias: roomID,
	}, &joinRes))
	require.True(t, joinRes.Verdict.IsAllowed())

	var res api.PerformLeaveResponse
	require.NoError(t, h.leaver.PerformLeave(ctx, &api.PerformLeaveRequest{
		UserID: "@bob:one",
		RoomID: roomID,
	}, &res))
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)
}

func TestPerformLeaveUnknownRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	var res api.PerformLeaveResponse
	err := h.leaver.PerformLeave(context.Background(), &api.PerformLeaveRequest{
		UserID: "@bob:one",
		RoomID: "!nowhere:one",
	}, &res)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestPerformInviteDeliversRemotely(t *testing.T) {
	t.Parallel()
	fed := test.NewFederation()
	h := newHarness(t, fed)
	ctx := context.Background()
	roomID := h.createRoom(t, "@alice:one", false)

	var res api.PerformInviteResponse
	require.NoError(t, h.inviter.PerformInvite(ctx, &api.PerformInviteRequest{
		Inviter: "@alice:one",
		Invitee: "@bob:two",
		RoomID:  roomID,
	}, &res))
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)

	require.Len(t, fed.Invites, 1)
	assert.Equal(t, "@bob:two", fed.Invites[0].StateKeyValue())

	// The invited user's server being down must not fail the invite.
	fed.Unreachable["three"] = true
	require.NoError(t, h.inviter.PerformInvite(ctx, &api.PerformInviteRequest{
		Inviter: "@alice:one",
		Invitee: "@carol:three",
		RoomID:  roomID,
	}, &res))
	assert.True(t, res.Verdict.IsAllowed(), res.Verdict.Reason)
}

func TestPerformInviteUnknownRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	var res api.PerformInviteResponse
	err := h.inviter.PerformInvite(context.Background(), &api.PerformInviteRequest{
		Inviter: "@alice:one",
		Invitee: "@bob:two",
		RoomID:  "!nowhere:one",
	}, &res)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestInvitedUserMayJoinPrivateRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	ctx := context.Background()
	roomID := h.createRoom(t, "@alice:one", false)

	var inviteRes api.PerformInviteResponse
	require.NoError(t, h.inviter.PerformInvite(ctx, &api.PerformInviteRequest{
		Inviter: "@alice:one",
		Invitee: "@bob:one",
		RoomID:  roomID,
	}, &inviteRes))
	require.True(t, inviteRes.Verdict.IsAllowed(), inviteRes.Verdict.Reason)

	var joinRes api.PerformJoinResponse
	require.NoError(t, h.joiner.PerformJoin(ctx, &api.PerformJoinRequest{
		UserID:        "@bob:one",
		RoomIDOrAlias: roomID,
	}, &joinRes))
	assert.True(t, joinRes.Verdict.IsAllowed(), joinRes.Verdict.Reason)
}

func TestPerformSetRoomAlias(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fedapi.OfflineClient{})
	ctx := context.Background()
	roomID := h.createRoom(t, "@alice:one", true)

	var res api.PerformSetRoomAliasResponse
	require.NoError(t, h.aliaser.PerformSetRoomAlias(ctx, &api.PerformSetRoomAliasRequest{
		Alias:  "#general:one",
		RoomID: roomID,
	}, &res))
	assert.False(t, res.AliasExists)

	mapped, err := h.db.RoomIDForAlias(ctx, "#general:one")
	require.NoError(t, err)
	assert.Equal(t, roomID, mapped)

	// Second write is reported, not overwritten.
	other := h.createRoom(t, "@alice:one", true)
	res = api.PerformSetRoomAliasResponse{}
	require.NoError(t, h.aliaser.PerformSetRoomAlias(ctx, &api.PerformSetRoomAliasRequest{
		Alias:  "#general:one",
		RoomID: other,
	}, &res))
	assert.True(t, res.AliasExists)
	mapped, err = h.db.RoomIDForAlias(ctx, "#general:one")
	require.NoError(t, err)
	assert.Equal(t, roomID, mapped)

	err = h.aliaser.PerformSetRoomAlias(ctx, &api.PerformSetRoomAliasRequest{
		Alias:  "#foreign:two",
		RoomID: roomID,
	}, &res)
	assert.Error(t, err)
}
