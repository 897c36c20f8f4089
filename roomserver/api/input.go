// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "github.com/arbormsg/arbor/roomserver/types"

type Kind int

const (
	// KindNew is an event offered over federation or built locally. It is
	// admitted through the full validation and authorization pipeline.
	KindNew Kind = iota + 1
	// KindSeed is an event installed by a trusted join handshake. Seeds
	// skip ancestor authorization; trust comes from the resident peer.
	KindSeed
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindSeed:
		return "seed"
	default:
		return "unknown"
	}
}

// InputRoomEvent is one event heading into the admission pipeline.
type InputRoomEvent struct {
	Kind   Kind   `json:"kind"`
	RoomID string `json:"room_id"`
	// RoomVersion is needed when the event may create the room locally.
	RoomVersion string `json:"room_version"`
	// EventJSON is the signed wire form; the event ID is derived, never
	// trusted.
	EventJSON []byte `json:"event_json"`
	// Origin is the peer the event was received from, or the local server
	// name for events built here.
	Origin string `json:"origin"`
}

type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
}

type InputRoomEventsResponse struct {
	ErrMsg string
	// Verdicts holds one authorization per input, in order.
	Verdicts []types.Authorization
}

func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	return types.RejectedError(r.ErrMsg)
}
