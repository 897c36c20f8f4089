// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/arbormsg/arbor/roomserver/types"
)

// RoomserverInternalAPI is the surface other components call. Everything
// routes through the per-room admission queue, so two calls for the same
// room never interleave.
type RoomserverInternalAPI interface {
	InputAPI
	PerformAPI
	QueryAPI
}

// InputAPI feeds events into the admission pipeline.
type InputAPI interface {
	// InputRoomEvents enqueues events and returns once each has a verdict.
	InputRoomEvents(ctx context.Context, req *InputRoomEventsRequest, res *InputRoomEventsResponse)
}

// PerformAPI builds and admits locally-originated events.
type PerformAPI interface {
	PerformCreateRoom(ctx context.Context, req *PerformCreateRoomRequest, res *PerformCreateRoomResponse) error
	PerformJoin(ctx context.Context, req *PerformJoinRequest, res *PerformJoinResponse) error
	PerformLeave(ctx context.Context, req *PerformLeaveRequest, res *PerformLeaveResponse) error
	PerformInvite(ctx context.Context, req *PerformInviteRequest, res *PerformInviteResponse) error
	PerformSetRoomAlias(ctx context.Context, req *PerformSetRoomAliasRequest, res *PerformSetRoomAliasResponse) error
}

// QueryAPI reads room state without going through the admission queue.
type QueryAPI interface {
	// QueryRoomInfo returns the room header, or nil if unknown. Pending
	// rooms are only visible when includePending is set.
	QueryRoomInfo(ctx context.Context, roomID string, includePending bool) (*types.RoomInfo, error)
	// QueryCurrentState computes the room state unlocked by the room's
	// cached head.
	QueryCurrentState(ctx context.Context, req *QueryCurrentStateRequest, res *QueryCurrentStateResponse) error
	// QueryEventsByID fetches present events by ID from one room.
	QueryEventsByID(ctx context.Context, req *QueryEventsByIDRequest, res *QueryEventsByIDResponse) error
	// QueryMissingEvents serves a peer's backfill walk: ancestors of the
	// earliest events, newest first, bounded by limit.
	QueryMissingEvents(ctx context.Context, req *QueryMissingEventsRequest, res *QueryMissingEventsResponse) error
	// QueryAuthChain returns the full auth ancestry of the given events.
	QueryAuthChain(ctx context.Context, req *QueryAuthChainRequest, res *QueryAuthChainResponse) error
	// QueryRoomIDForAlias resolves a local alias, "" when unknown.
	QueryRoomIDForAlias(ctx context.Context, alias string) (string, error)
}

type QueryCurrentStateRequest struct {
	RoomID string
	// AtEventID computes state as of a specific accepted event instead of
	// the room head.
	AtEventID string
}

type QueryCurrentStateResponse struct {
	StateEvents []*types.Event
}

type QueryEventsByIDRequest struct {
	RoomID   string
	EventIDs []string
}

type QueryEventsByIDResponse struct {
	Events []*types.Event
}

type QueryMissingEventsRequest struct {
	RoomID string
	// EarliestEvents are events the caller already has; the walk stops at
	// them.
	EarliestEvents []string
	// LatestEvents are the caller's current dangling references.
	LatestEvents []string
	Limit        int
}

type QueryMissingEventsResponse struct {
	Events []*types.Event
}

type QueryAuthChainRequest struct {
	RoomID   string
	EventIDs []string
}

type QueryAuthChainResponse struct {
	AuthChain []*types.Event
}
