// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// BuildAndAdmit populates, signs and admits a locally authored event, all
// inside the room's actor so the extremities read for prev_events cannot
// move before the event lands on them.
func (r *Inputer) BuildAndAdmit(
	ctx context.Context, roomID string, template *auth.EventTemplate,
) (*types.Event, types.Authorization, error) {
	var event *types.Event
	var verdict types.Authorization
	var err error
	r.singleRoom(roomID, func() {
		event, verdict, err = r.buildAndAdmit(ctx, roomID, template)
	})
	return event, verdict, err
}

func (r *Inputer) buildAndAdmit(
	ctx context.Context, roomID string, template *auth.EventTemplate,
) (*types.Event, types.Authorization, error) {
	info, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, types.Authorization{}, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}

	roomVerName := version.DefaultRoomVersion()
	if info != nil {
		roomVerName = version.RoomVersion(info.RoomVersion)
	} else if template.RoomVersion != "" {
		roomVerName = version.RoomVersion(template.RoomVersion)
	}
	roomVer, err := version.GetRoomVersion(roomVerName)
	if err != nil {
		return nil, types.Authorization{}, err
	}

	proto, err := r.populate(ctx, info, roomID, template)
	if err != nil {
		return nil, types.Authorization{}, err
	}

	event, err := r.finalize(roomVer, proto)
	if err != nil {
		return nil, types.Authorization{}, err
	}

	verdict, err := r.processRoomEvent(ctx, &api.InputRoomEvent{
		Kind:        api.KindNew,
		RoomID:      roomID,
		RoomVersion: string(roomVerName),
		EventJSON:   event.JSON,
		Origin:      r.ServerName,
	})
	if err != nil {
		return nil, types.Authorization{}, err
	}
	return event, verdict, nil
}

// populate stages a proto event: prev_events from the current forward
// extremities, depth one past the deepest of them, auth_events selected
// from live state. Nothing is persisted.
func (r *Inputer) populate(
	ctx context.Context, info *types.RoomInfo, roomID string, template *auth.EventTemplate,
) (*types.ProtoEvent, error) {
	proto := &types.ProtoEvent{
		RoomID:         roomID,
		Sender:         template.Sender,
		Origin:         r.ServerName,
		Type:           template.Type,
		StateKey:       template.StateKey,
		Content:        template.Content,
		OriginServerTS: time.Now().UnixMilli(),
		PrevEvents:     []string{},
		AuthEvents:     []string{},
	}

	if info == nil {
		// The room does not exist yet: only a create event can be staged,
		// rooted at the base of the DAG.
		proto.Depth = auth.BaseDepth + 1
		return proto, nil
	}

	extremities, err := r.DB.ForwardExtremities(ctx, info.RoomNID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.ForwardExtremities: %w", err)
	}
	proto.PrevEvents = extremities

	var maxDepth int64
	if len(extremities) > 0 {
		held, err := r.DB.Events(ctx, info, extremities)
		if err != nil {
			return nil, fmt.Errorf("r.DB.Events: %w", err)
		}
		for _, stored := range held {
			if stored.Event != nil && stored.Event.Depth > maxDepth {
				maxDepth = stored.Event.Depth
			}
		}
	}
	proto.Depth = maxDepth + 1

	liveState, err := r.loadLiveState(ctx, info)
	if err != nil {
		return nil, err
	}
	staged := &types.Event{
		RoomID:   roomID,
		Sender:   template.Sender,
		Type:     template.Type,
		StateKey: template.StateKey,
		Content:  template.Content,
	}
	proto.AuthEvents = auth.AuthEventIDs(liveState, staged)
	if proto.AuthEvents == nil {
		proto.AuthEvents = []string{}
	}
	return proto, nil
}

// finalize signs the staged event, producing the immutable transmissible
// form and its content-addressed ID.
func (r *Inputer) finalize(roomVer *version.RoomVersionImpl, proto *types.ProtoEvent) (*types.Event, error) {
	unsigned, err := json.Marshal(proto)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	signed, err := roomVer.SignEvent(unsigned, r.ServerName, r.KeyID, r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("roomVer.SignEvent: %w", err)
	}
	return roomVer.NewEventFromUntrustedJSON(signed)
}
