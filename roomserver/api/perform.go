// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "github.com/arbormsg/arbor/roomserver/types"

type PerformCreateRoomRequest struct {
	// Creator is the full user ID creating the room.
	Creator string
	// RoomVersion pins the room algorithm; empty selects the default.
	RoomVersion string
	// Public opens the room to unsolicited joins.
	Public bool
	Name   string
	Topic  string
	Alias  string
}

type PerformCreateRoomResponse struct {
	RoomID string
	// Verdicts for the creation sequence, in admission order.
	Verdicts []types.Authorization
}

type PerformJoinRequest struct {
	UserID string
	// RoomIDOrAlias is resolved through the local directory first, then by
	// asking candidate peers.
	RoomIDOrAlias string
	// Servers to try for a remote join, in order. The alias resolver may
	// add more.
	ServerNames []string
}

type PerformJoinResponse struct {
	RoomID  string
	Verdict types.Authorization
}

type PerformLeaveRequest struct {
	UserID string
	RoomID string
}

type PerformLeaveResponse struct {
	Verdict types.Authorization
}

type PerformInviteRequest struct {
	Inviter string
	Invitee string
	RoomID  string
}

type PerformInviteResponse struct {
	Verdict types.Authorization
}

type PerformSetRoomAliasRequest struct {
	Alias  string
	RoomID string
}

type PerformSetRoomAliasResponse struct {
	// AliasExists is set when the alias already points somewhere.
	AliasExists bool
}
