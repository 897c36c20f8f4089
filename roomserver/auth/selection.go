// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/tidwall/gjson"

	"github.com/arbormsg/arbor/roomserver/types"
)

// AuthEventIDs selects which accepted state events form the auth context
// for a candidate event: always the create event, the sender's membership
// and the power levels; membership events additionally pull in the
// target's membership, and the join rules when the action is join or
// invite. The create event itself needs nothing.
func AuthEventIDs(state StateProvider, e *types.Event) []string {
	if e.Type == MRoomCreate {
		return nil
	}

	var ids []string
	seen := make(map[string]struct{}, 5)
	add := func(ev *types.Event) {
		if ev == nil {
			return
		}
		if _, ok := seen[ev.EventID]; ok {
			return
		}
		seen[ev.EventID] = struct{}{}
		ids = append(ids, ev.EventID)
	}

	add(state.CreateEvent())
	add(state.MemberEvent(e.Sender))
	add(state.PowerLevelsEvent())

	if e.Type == MRoomMember {
		add(state.MemberEvent(e.StateKeyValue()))
		action := gjson.GetBytes(e.Content, "membership").Str
		if action == MembershipJoin || action == MembershipInvite {
			add(state.JoinRulesEvent())
		}
	}
	return ids
}
