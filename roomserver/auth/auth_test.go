// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// stateFixture is a StateProvider backed by a plain map, letting each test
// lay out exactly the state it wants.
type stateFixture map[types.StateKeyTuple]*types.Event

func (s stateFixture) find(evType, stateKey string) *types.Event {
	return s[types.StateKeyTuple{EventType: evType, StateKey: stateKey}]
}

func (s stateFixture) CreateEvent() *types.Event      { return s.find(MRoomCreate, "") }
func (s stateFixture) PowerLevelsEvent() *types.Event { return s.find(MRoomPowerLevels, "") }
func (s stateFixture) JoinRulesEvent() *types.Event   { return s.find(MRoomJoinRules, "") }
func (s stateFixture) MemberEvent(userID string) *types.Event {
	return s.find(MRoomMember, userID)
}

func (s stateFixture) with(e *types.Event) stateFixture {
	next := stateFixture{}
	for k, v := range s {
		next[k] = v
	}
	next[e.StateKeyTuple()] = e
	return next
}

const (
	alice = "@alice:one"
	bob   = "@bob:two"
	carol = "@carol:three"
)

func event(id, evType, sender string, stateKey *string, content map[string]any) *types.Event {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return &types.Event{
		EventID:        id,
		RoomID:         "!r:one",
		Sender:         sender,
		Origin:         "one",
		Type:           evType,
		StateKey:       stateKey,
		Content:        raw,
		Depth:          5,
		PrevEvents:     []string{"$head"},
		OriginServerTS: 1700000000005,
	}
}

func stateEvent(id, evType, sender, stateKey string, content map[string]any) *types.Event {
	return event(id, evType, sender, &stateKey, content)
}

func memberEvent(id, userID, membership string) *types.Event {
	return stateEvent(id, MRoomMember, userID, userID, map[string]any{"membership": membership})
}

// bootstrappedState is a room after its creation sequence: created by
// alice, alice joined, default power levels with alice at creator level.
func bootstrappedState(t *testing.T, format version.PowerLevelFormat) stateFixture {
	t.Helper()
	create := stateEvent("$create", MRoomCreate, alice, "", map[string]any{
		"creator": alice, "room_version": "7",
	})
	create.Depth = 1
	create.PrevEvents = nil
	join := memberEvent("$alicejoin", alice, MembershipJoin)

	levels := DefaultPowerLevels(alice)
	content, err := levels.MarshalContent(format)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(content, &parsed))
	power := stateEvent("$power", MRoomPowerLevels, alice, "", parsed)

	return stateFixture{}.with(create).with(join).with(power)
}

func roomV7(t *testing.T) *version.RoomVersionImpl {
	t.Helper()
	return version.MustGetRoomVersion(version.RoomVersionV7)
}

func TestCreateEventRules(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)

	create := stateEvent("$create", MRoomCreate, alice, "", map[string]any{"creator": alice})
	create.Depth = 1
	create.PrevEvents = nil

	verdict := Allowed(roomVer, stateFixture{}, create)
	assert.Equal(t, types.DecisionAllowed, verdict.Decision)

	t.Run("second create denied", func(t *testing.T) {
		state := stateFixture{}.with(create)
		second := stateEvent("$create2", MRoomCreate, alice, "", map[string]any{"creator": alice})
		second.Depth = 1
		second.PrevEvents = nil
		verdict := Allowed(roomVer, state, second)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})

	t.Run("create with parents denied", func(t *testing.T) {
		withParents := stateEvent("$create3", MRoomCreate, alice, "", map[string]any{"creator": alice})
		withParents.Depth = 1
		verdict := Allowed(roomVer, stateFixture{}, withParents)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})

	t.Run("create at wrong depth denied", func(t *testing.T) {
		deep := stateEvent("$create4", MRoomCreate, alice, "", map[string]any{"creator": alice})
		deep.Depth = 3
		deep.PrevEvents = nil
		verdict := Allowed(roomVer, stateFixture{}, deep)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})
}

func TestBootstrapJoin(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	create := stateEvent("$create", MRoomCreate, alice, "", map[string]any{"creator": alice})
	create.Depth = 1
	create.PrevEvents = nil
	state := stateFixture{}.with(create)

	join := memberEvent("$join", alice, MembershipJoin)
	join.Depth = 2
	join.PrevEvents = []string{"$create"}
	verdict := Allowed(roomVer, state, join)
	assert.Equal(t, types.DecisionAllowed, verdict.Decision)

	t.Run("only directly after create", func(t *testing.T) {
		sideways := memberEvent("$join2", alice, MembershipJoin)
		sideways.Depth = 2
		sideways.PrevEvents = []string{"$other"}
		verdict := Allowed(roomVer, state, sideways)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})

	t.Run("only the creator", func(t *testing.T) {
		intruder := memberEvent("$join3", bob, MembershipJoin)
		intruder.Depth = 2
		intruder.PrevEvents = []string{"$create"}
		verdict := Allowed(roomVer, state, intruder)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})
}

func TestJoinRules(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	base := bootstrappedState(t, version.PowerLevelFormatGrouped)

	t.Run("private room rejects strangers", func(t *testing.T) {
		join := memberEvent("$bobjoin", bob, MembershipJoin)
		verdict := Allowed(roomVer, base, join)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Equal(t, "Public join is not allowed", verdict.Reason)
	})

	t.Run("public room admits strangers", func(t *testing.T) {
		public := base.with(stateEvent("$rules", MRoomJoinRules, alice, "", map[string]any{
			"join_rule": JoinRulePublic,
		}))
		join := memberEvent("$bobjoin", bob, MembershipJoin)
		verdict := Allowed(roomVer, public, join)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("invited user may join a private room", func(t *testing.T) {
		invited := base.with(memberEvent("$bobinvite", bob, MembershipInvite))
		join := memberEvent("$bobjoin", bob, MembershipJoin)
		// The invite event carries bob's state key even though alice sent
		// it; the fixture keys by state key, same as real state.
		verdict := Allowed(roomVer, invited, join)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("cannot join on behalf of another", func(t *testing.T) {
		proxy := stateEvent("$proxy", MRoomMember, alice, bob, map[string]any{
			"membership": MembershipJoin,
		})
		verdict := Allowed(roomVer, base, proxy)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})
}

func TestInviteRules(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	base := bootstrappedState(t, version.PowerLevelFormatGrouped)

	t.Run("joined user can invite", func(t *testing.T) {
		invite := stateEvent("$inv", MRoomMember, alice, bob, map[string]any{
			"membership": MembershipInvite,
		})
		verdict := Allowed(roomVer, base, invite)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("stranger cannot invite", func(t *testing.T) {
		invite := stateEvent("$inv", MRoomMember, carol, bob, map[string]any{
			"membership": MembershipInvite,
		})
		verdict := Allowed(roomVer, base, invite)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})

	t.Run("banned target cannot be invited", func(t *testing.T) {
		banned := base.with(memberEvent("$bobban", bob, MembershipBan))
		invite := stateEvent("$inv", MRoomMember, alice, bob, map[string]any{
			"membership": MembershipInvite,
		})
		verdict := Allowed(roomVer, banned, invite)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})
}

func TestKickRequiresPowerMargin(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	base := bootstrappedState(t, version.PowerLevelFormatGrouped)
	joined := base.
		with(memberEvent("$bobjoin", bob, MembershipJoin)).
		with(memberEvent("$caroljoin", carol, MembershipJoin))

	setLevels := func(t *testing.T, users map[string]any) stateFixture {
		t.Helper()
		return joined.with(stateEvent("$power", MRoomPowerLevels, alice, "", map[string]any{
			"defaults": map[string]any{
				"ban": 50, "kick": 50, "invite": 0, "events": 0, "state": 50, "users": 0,
			},
			"users": users,
		}))
	}

	t.Run("kicker below threshold", func(t *testing.T) {
		state := setLevels(t, map[string]any{alice: 100, bob: 40, carol: 40})
		kick := stateEvent("$kick", MRoomMember, bob, carol, map[string]any{
			"membership": MembershipLeave,
		})
		verdict := Allowed(roomVer, state, kick)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Contains(t, verdict.Reason, "below the kick threshold")
	})

	t.Run("equal power cannot kick", func(t *testing.T) {
		state := setLevels(t, map[string]any{alice: 100, bob: 60, carol: 60})
		kick := stateEvent("$kick", MRoomMember, bob, carol, map[string]any{
			"membership": MembershipLeave,
		})
		verdict := Allowed(roomVer, state, kick)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Contains(t, verdict.Reason, "does not exceed target power")
	})

	t.Run("higher power can kick", func(t *testing.T) {
		state := setLevels(t, map[string]any{alice: 100, bob: 60, carol: 40})
		kick := stateEvent("$kick", MRoomMember, bob, carol, map[string]any{
			"membership": MembershipLeave,
		})
		verdict := Allowed(roomVer, state, kick)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("self leave always allowed while joined", func(t *testing.T) {
		state := setLevels(t, map[string]any{alice: 100})
		leave := memberEvent("$leave", bob, MembershipLeave)
		verdict := Allowed(roomVer, state, leave)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})
}

func TestTimelineEventsNeedMembershipAndPower(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	base := bootstrappedState(t, version.PowerLevelFormatGrouped)

	t.Run("non-member cannot post", func(t *testing.T) {
		msg := event("$msg", MRoomMessage, bob, nil, map[string]any{"body": "hi"})
		verdict := Allowed(roomVer, base, msg)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Contains(t, verdict.Reason, "is not joined")
	})

	t.Run("member can post", func(t *testing.T) {
		state := base.with(memberEvent("$bobjoin", bob, MembershipJoin))
		msg := event("$msg", MRoomMessage, bob, nil, map[string]any{"body": "hi"})
		verdict := Allowed(roomVer, state, msg)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("state change gated on state default", func(t *testing.T) {
		state := base.with(memberEvent("$bobjoin", bob, MembershipJoin))
		rename := stateEvent("$name", MRoomName, bob, "", map[string]any{"name": "new"})
		verdict := Allowed(roomVer, state, rename)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Contains(t, verdict.Reason, "below the required")
	})
}

func TestPowerLevelReplacement(t *testing.T) {
	t.Parallel()
	roomVer := roomV7(t)
	base := bootstrappedState(t, version.PowerLevelFormatGrouped)
	state := base.with(memberEvent("$bobjoin", bob, MembershipJoin))

	grouped := func(users map[string]any) map[string]any {
		return map[string]any{
			"defaults": map[string]any{
				"ban": 50, "kick": 50, "invite": 0, "events": 0, "state": 50, "users": 0,
			},
			"users": users,
		}
	}

	t.Run("creator may promote below their level", func(t *testing.T) {
		change := stateEvent("$pl2", MRoomPowerLevels, alice, "", grouped(map[string]any{
			alice: 100, bob: 50,
		}))
		verdict := Allowed(roomVer, state, change)
		assert.Equal(t, types.DecisionAllowed, verdict.Decision)
	})

	t.Run("cannot promote to own level", func(t *testing.T) {
		change := stateEvent("$pl2", MRoomPowerLevels, alice, "", grouped(map[string]any{
			alice: 100, bob: 100,
		}))
		verdict := Allowed(roomVer, state, change)
		require.Equal(t, types.DecisionDenied, verdict.Decision)
		assert.Contains(t, verdict.Reason, "cannot raise")
	})

	t.Run("ordinary member cannot touch levels", func(t *testing.T) {
		change := stateEvent("$pl2", MRoomPowerLevels, bob, "", grouped(map[string]any{
			alice: 100, bob: 50,
		}))
		verdict := Allowed(roomVer, state, change)
		assert.Equal(t, types.DecisionDenied, verdict.Decision)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := memberEvent("$e", alice, MembershipJoin)
	_, ok := Validate(valid)
	assert.True(t, ok)

	tests := []struct {
		name   string
		mutate func(*types.Event)
		reason string
	}{
		{"missing type", func(e *types.Event) { e.Type = "" }, "missing event type"},
		{"malformed room", func(e *types.Event) { e.RoomID = "nope" }, "malformed room ID"},
		{"malformed sender", func(e *types.Event) { e.Sender = "alice" }, "malformed sender"},
		{"missing origin", func(e *types.Event) { e.Origin = "" }, "missing origin"},
		{"missing timestamp", func(e *types.Event) { e.OriginServerTS = 0 }, "missing origin timestamp"},
		{"non-positive depth", func(e *types.Event) { e.Depth = 0 }, "depth must be positive"},
		{"orphan non-create", func(e *types.Event) { e.PrevEvents = nil }, "only the create event may have no parents"},
		{"member without state key", func(e *types.Event) { e.StateKey = nil }, "membership event without state key"},
		{"broken content", func(e *types.Event) { e.Content = []byte("{") }, "content is not valid JSON"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := memberEvent("$e", alice, MembershipJoin)
			tc.mutate(e)
			reason, ok := Validate(e)
			require.False(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
