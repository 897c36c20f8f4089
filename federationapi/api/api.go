// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the narrow federation surface the roomserver pulls
// from peers. Implementations return event bodies as raw JSON: the caller
// always re-derives event IDs and re-checks authorization, so nothing a
// peer sends is trusted on arrival.
package api

import (
	"context"
	"encoding/json"

	"github.com/arbormsg/arbor/roomserver/types"
)

// FederationClient talks to remote peers. Methods return a
// *types.ForbiddenError when the peer answered with a refusal and a
// *types.UnavailableError when the peer could not be reached; callers skip
// to the next candidate on either, but a refusal is remembered as final for
// that peer.
type FederationClient interface {
	// LookupRoomAlias asks a peer to resolve an alias it is authoritative
	// for, returning the room ID and candidate resident servers.
	LookupRoomAlias(ctx context.Context, server, alias string) (roomID string, servers []string, err error)

	// MakeJoin asks a resident peer for a join template: an unsigned
	// membership proto event positioned at the peer's current extremities.
	MakeJoin(ctx context.Context, server, roomID, userID string) (proto *types.ProtoEvent, roomVersion string, err error)

	// SendJoin submits the signed join event and returns the room seed:
	// the state before the join plus its full auth chain.
	SendJoin(ctx context.Context, server, roomID string, event *types.Event) (*RoomSeed, error)

	// GetAuthChain fetches the complete auth ancestry of an event. A peer
	// that withholds any part of the chain gets a ForbiddenError.
	GetAuthChain(ctx context.Context, server, roomID, eventID string) ([]json.RawMessage, error)

	// GetMissingEvents walks backwards from latest towards earliest,
	// returning up to limit event bodies.
	GetMissingEvents(ctx context.Context, server, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error)

	// SendInvite hands an invite event to the invitee's server.
	SendInvite(ctx context.Context, server string, event *types.Event) error

	// SendTransaction pushes newly accepted events to a joined peer.
	SendTransaction(ctx context.Context, server string, events []json.RawMessage) error
}

// RoomSeed is what a resident peer returns from a join handshake.
type RoomSeed struct {
	RoomVersion string
	// JoinEvent is the join as admitted by the resident, re-signed by it.
	JoinEvent json.RawMessage
	// StateEvents is the room state before the join.
	StateEvents []json.RawMessage
	// AuthChain covers every auth_events reference of the state, closed
	// transitively.
	AuthChain []json.RawMessage
}
