// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth implements the versioned room authorization algorithm:
// pure functions from (state, candidate event) to a verdict. Every server
// holding the same allowed event set must compute the same answers here,
// so nothing in this package may consult anything but its arguments.
package auth

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// Well-known event types with authorization semantics.
const (
	MRoomCreate      = "m.room.create"
	MRoomMember      = "m.room.member"
	MRoomPowerLevels = "m.room.power_levels"
	MRoomJoinRules   = "m.room.join_rules"
	MRoomName        = "m.room.name"
	MRoomTopic       = "m.room.topic"
	MRoomAliases     = "m.room.aliases"
	MRoomMessage     = "m.room.message"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
)

// Join rules.
const (
	JoinRulePublic  = "public"
	JoinRulePrivate = "private"
)

// BaseDepth is the depth below the create event; the create event itself
// sits at BaseDepth+1.
const BaseDepth int64 = 0

// StateProvider is the slice of room state the authorization rules read.
// state.RoomState implements it; tests may substitute fixtures.
type StateProvider interface {
	CreateEvent() *types.Event
	PowerLevelsEvent() *types.Event
	JoinRulesEvent() *types.Event
	MemberEvent(userID string) *types.Event
}

// Validate performs the structural pre-check. A failure here yields an
// Invalid verdict and authorization logic never runs.
func Validate(e *types.Event) (reason string, ok bool) {
	switch {
	case e.Type == "":
		return "missing event type", false
	case e.RoomID == "" || !strings.HasPrefix(e.RoomID, "!") || !strings.Contains(e.RoomID, ":"):
		return "malformed room ID", false
	case e.Sender == "" || !strings.HasPrefix(e.Sender, "@") || !strings.Contains(e.Sender, ":"):
		return "malformed sender", false
	case e.Origin == "":
		return "missing origin", false
	case e.OriginServerTS <= 0:
		return "missing origin timestamp", false
	case e.Depth <= BaseDepth:
		return "depth must be positive", false
	case e.Type != MRoomCreate && len(e.PrevEvents) == 0:
		return "only the create event may have no parents", false
	case e.Type == MRoomMember && e.StateKey == nil:
		return "membership event without state key", false
	case len(e.Content) > 0 && !gjson.ValidBytes(e.Content):
		return "content is not valid JSON", false
	}
	return "", true
}

// Allowed runs the authorization state machine for the candidate event
// against the supplied state. The verdict is Allowed or Denied; callers
// run Validate first for the Invalid class.
func Allowed(roomVer *version.RoomVersionImpl, state StateProvider, e *types.Event) types.Authorization {
	if e.Type == MRoomCreate {
		return allowedCreate(state, e)
	}

	create := state.CreateEvent()
	if create == nil {
		return types.Deny(e.EventID, "room has no create event in this state")
	}

	power := effectivePowerLevels(roomVer, state)

	if e.Type == MRoomMember {
		return allowedMembership(state, power, create, e)
	}

	senderMembership := currentMembership(state, e.Sender)
	if senderMembership != MembershipJoin {
		return types.Deny(e.EventID, fmt.Sprintf("sender %s is not joined", e.Sender))
	}

	senderLevel := power.UserLevel(e.Sender)
	required := power.EventLevel(e.Type, e.IsState())
	if senderLevel < required {
		return types.Deny(e.EventID, fmt.Sprintf(
			"sender power %d is below the required %d for %s", senderLevel, required, e.Type,
		))
	}

	if e.Type == MRoomPowerLevels {
		return allowedPowerLevels(roomVer, power, e)
	}

	return types.Allow(e.EventID)
}

// The create event is the DAG root: exactly one per room, no parents.
func allowedCreate(state StateProvider, e *types.Event) types.Authorization {
	if state.CreateEvent() != nil {
		return types.Deny(e.EventID, "room already has a create event")
	}
	if len(e.PrevEvents) != 0 {
		return types.Deny(e.EventID, "create event must have no parents")
	}
	if e.Depth != BaseDepth+1 {
		return types.Deny(e.EventID, fmt.Sprintf("create event depth must be %d", BaseDepth+1))
	}
	return types.Allow(e.EventID)
}

func allowedMembership(
	state StateProvider, power *PowerLevelContent, create *types.Event, e *types.Event,
) types.Authorization {
	target := e.StateKeyValue()
	action := gjson.GetBytes(e.Content, "membership").Str
	senderMembership := currentMembership(state, e.Sender)
	targetMembership := currentMembership(state, target)
	senderLevel := power.UserLevel(e.Sender)
	targetLevel := power.UserLevel(target)

	switch action {
	case MembershipJoin:
		if e.Sender != target {
			return types.Deny(e.EventID, "cannot join on behalf of another user")
		}
		// The bootstrap join: the only event allowed directly after the
		// create event, and only for the creator. This is what makes
		// room genesis unforgeable.
		if e.Depth == create.Depth+1 {
			if len(e.PrevEvents) != 1 || e.PrevEvents[0] != create.EventID {
				return types.Deny(e.EventID, "first join must follow the create event directly")
			}
			if target != gjson.GetBytes(create.Content, "creator").Str {
				return types.Deny(e.EventID, "first join must be the room creator")
			}
			return types.Allow(e.EventID)
		}
		if targetMembership == MembershipJoin || targetMembership == MembershipInvite {
			return types.Allow(e.EventID)
		}
		if joinRule(state) == JoinRulePublic {
			return types.Allow(e.EventID)
		}
		return types.Deny(e.EventID, "Public join is not allowed")

	case MembershipInvite:
		if senderMembership != MembershipJoin {
			return types.Deny(e.EventID, "inviter is not joined")
		}
		if targetMembership == MembershipBan {
			return types.Deny(e.EventID, "target is banned")
		}
		if targetMembership == MembershipJoin {
			return types.Deny(e.EventID, "target is already joined")
		}
		if senderLevel < power.Invite {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d is below the invite threshold %d", senderLevel, power.Invite,
			))
		}
		return types.Allow(e.EventID)

	case MembershipLeave:
		if e.Sender == target {
			if senderMembership == MembershipJoin || senderMembership == MembershipInvite {
				return types.Allow(e.EventID)
			}
			return types.Deny(e.EventID, "cannot leave a room without being in it")
		}
		if senderMembership != MembershipJoin {
			return types.Deny(e.EventID, "kicker is not joined")
		}
		if senderLevel < power.Kick {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d is below the kick threshold %d", senderLevel, power.Kick,
			))
		}
		if senderLevel <= targetLevel {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d does not exceed target power %d", senderLevel, targetLevel,
			))
		}
		return types.Allow(e.EventID)

	case MembershipBan:
		if senderMembership != MembershipJoin {
			return types.Deny(e.EventID, "sender is not joined")
		}
		if senderLevel < power.Ban {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d is below the ban threshold %d", senderLevel, power.Ban,
			))
		}
		if senderLevel <= targetLevel {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d does not exceed target power %d", senderLevel, targetLevel,
			))
		}
		return types.Allow(e.EventID)

	default:
		return types.Deny(e.EventID, fmt.Sprintf("unknown membership %q", action))
	}
}

func allowedPowerLevels(
	roomVer *version.RoomVersionImpl, current *PowerLevelContent, e *types.Event,
) types.Authorization {
	proposed, err := ParsePowerLevels(e.Content, roomVer.PowerLevelFormat())
	if err != nil {
		return types.Deny(e.EventID, fmt.Sprintf("unparseable power levels: %v", err))
	}
	senderLevel := current.UserLevel(e.Sender)
	for _, level := range []int64{
		current.EventsDefault, proposed.EventsDefault,
		current.StateDefault, proposed.StateDefault,
	} {
		if senderLevel < level {
			return types.Deny(e.EventID, fmt.Sprintf(
				"sender power %d is below a default threshold %d being crossed", senderLevel, level,
			))
		}
	}
	if reason := current.CanReplace(e.Sender, proposed); reason != "" {
		return types.Deny(e.EventID, reason)
	}
	return types.Allow(e.EventID)
}

// effectivePowerLevels resolves the levels in force for this state,
// falling back to the default table (with the creator boosted) when no
// power-levels event has been accepted yet.
func effectivePowerLevels(roomVer *version.RoomVersionImpl, state StateProvider) *PowerLevelContent {
	if pl := state.PowerLevelsEvent(); pl != nil {
		parsed, err := ParsePowerLevels(pl.Content, roomVer.PowerLevelFormat())
		if err == nil {
			return parsed
		}
		// An unparseable accepted power-levels event still beats
		// inventing levels; fall through to defaults.
	}
	creator := ""
	if create := state.CreateEvent(); create != nil {
		creator = gjson.GetBytes(create.Content, "creator").Str
	}
	return DefaultPowerLevels(creator)
}

func currentMembership(state StateProvider, userID string) string {
	member := state.MemberEvent(userID)
	if member == nil {
		return MembershipLeave
	}
	return gjson.GetBytes(member.Content, "membership").Str
}

func joinRule(state StateProvider) string {
	rules := state.JoinRulesEvent()
	if rules == nil {
		return JoinRulePrivate
	}
	return gjson.GetBytes(rules.Content, "join_rule").Str
}
