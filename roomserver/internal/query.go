// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sort"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/state"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
)

// Queryer answers read-only questions about rooms. Reads do not enter the
// admission critical section: they see the last committed view, which is
// all a reader is entitled to.
type Queryer struct {
	DB *shared.Database
}

func (q *Queryer) QueryRoomInfo(ctx context.Context, roomID string, includePending bool) (*types.RoomInfo, error) {
	info, err := q.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info == nil || (info.Pending && !includePending) {
		return nil, nil
	}
	return info, nil
}

func (q *Queryer) QueryCurrentState(
	ctx context.Context, req *api.QueryCurrentStateRequest, res *api.QueryCurrentStateResponse,
) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNotFound
	}

	stateNID := info.StateSnapshotNID
	if req.AtEventID != "" {
		stored, err := q.DB.Event(ctx, info, req.AtEventID)
		if err != nil {
			return err
		}
		if stored == nil || stored.StateSnapshotNID == 0 {
			return types.ErrEventNotFound
		}
		stateNID = stored.StateSnapshotNID
	}
	if stateNID == 0 {
		return nil
	}

	events, err := q.DB.StateSnapshot(ctx, info, stateNID)
	if err != nil {
		return err
	}
	for _, stored := range state.FromEvents(events).Events() {
		res.StateEvents = append(res.StateEvents, stored.Event)
	}
	return nil
}

func (q *Queryer) QueryEventsByID(
	ctx context.Context, req *api.QueryEventsByIDRequest, res *api.QueryEventsByIDResponse,
) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNotFound
	}
	held, err := q.DB.Events(ctx, info, req.EventIDs)
	if err != nil {
		return err
	}
	for _, eventID := range req.EventIDs {
		if stored, ok := held[eventID]; ok && stored.Event != nil {
			res.Events = append(res.Events, stored.Event)
		}
	}
	return nil
}

// QueryMissingEvents walks the DAG backwards from the caller's dangling
// references towards events it already holds, newest first, serving a
// peer's backfill.
func (q *Queryer) QueryMissingEvents(
	ctx context.Context, req *api.QueryMissingEventsRequest, res *api.QueryMissingEventsResponse,
) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNotFound
	}

	have := make(map[string]struct{}, len(req.EarliestEvents))
	for _, eventID := range req.EarliestEvents {
		have[eventID] = struct{}{}
	}

	visited := make(map[string]struct{})
	frontier := append([]string{}, req.LatestEvents...)
	var result []*types.Event

	for len(frontier) > 0 && len(result) < req.Limit {
		held, err := q.DB.Events(ctx, info, frontier)
		if err != nil {
			return err
		}
		var next []string
		for _, eventID := range frontier {
			stored, ok := held[eventID]
			if !ok || stored.Event == nil || !stored.Metadata.Allowed {
				continue
			}
			result = append(result, stored.Event)
			for _, parent := range stored.Event.PrevEvents {
				if _, stop := have[parent]; stop {
					continue
				}
				if _, seen := visited[parent]; seen {
					continue
				}
				visited[parent] = struct{}{}
				next = append(next, parent)
			}
		}
		frontier = next
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Depth > result[j].Depth })
	if len(result) > req.Limit {
		result = result[:req.Limit]
	}
	res.Events = result
	return nil
}

// QueryAuthChain returns the transitive closure of auth_events references
// for the given events. Every hop must be held locally; a gap is an error,
// because an incomplete chain must never be served as complete.
func (q *Queryer) QueryAuthChain(
	ctx context.Context, req *api.QueryAuthChainRequest, res *api.QueryAuthChainResponse,
) error {
	info, err := q.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNotFound
	}

	// The requested IDs seed the visited set, or a chain whose root is
	// also a requested event would be emitted twice.
	visited := make(map[string]struct{}, len(req.EventIDs))
	var frontier []string
	for _, eventID := range req.EventIDs {
		if _, seen := visited[eventID]; seen {
			continue
		}
		visited[eventID] = struct{}{}
		frontier = append(frontier, eventID)
	}

	for len(frontier) > 0 {
		held, err := q.DB.Events(ctx, info, frontier)
		if err != nil {
			return err
		}
		var next []string
		for _, eventID := range frontier {
			stored, ok := held[eventID]
			if !ok || stored.Event == nil {
				return fmt.Errorf("auth chain gap at %s: %w", eventID, types.ErrEventNotFound)
			}
			res.AuthChain = append(res.AuthChain, stored.Event)
			for _, authID := range stored.Event.AuthEvents {
				if _, seen := visited[authID]; seen {
					continue
				}
				visited[authID] = struct{}{}
				next = append(next, authID)
			}
		}
		frontier = next
	}
	return nil
}

func (q *Queryer) QueryRoomIDForAlias(ctx context.Context, alias string) (string, error) {
	return q.DB.RoomIDForAlias(ctx, alias)
}
