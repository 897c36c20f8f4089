// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/arbormsg/arbor/roomserver/types"
)

// OfflineClient is the FederationClient used when no federation transport
// is configured. Every call reports the peer as unavailable, so callers
// fall back to their local-only behaviour.
type OfflineClient struct{}

var errNoTransport = errors.New("no federation transport configured")

func (OfflineClient) unavailable(server string) error {
	return &types.UnavailableError{Server: server, Err: errNoTransport}
}

func (c OfflineClient) LookupRoomAlias(ctx context.Context, server, alias string) (string, []string, error) {
	return "", nil, c.unavailable(server)
}

func (c OfflineClient) MakeJoin(ctx context.Context, server, roomID, userID string) (*types.ProtoEvent, string, error) {
	return nil, "", c.unavailable(server)
}

func (c OfflineClient) SendJoin(ctx context.Context, server, roomID string, event *types.Event) (*RoomSeed, error) {
	return nil, c.unavailable(server)
}

func (c OfflineClient) GetAuthChain(ctx context.Context, server, roomID, eventID string) ([]json.RawMessage, error) {
	return nil, c.unavailable(server)
}

func (c OfflineClient) GetMissingEvents(ctx context.Context, server, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	return nil, c.unavailable(server)
}

func (c OfflineClient) SendInvite(ctx context.Context, server string, event *types.Event) error {
	return c.unavailable(server)
}

func (c OfflineClient) SendTransaction(ctx context.Context, server string, events []json.RawMessage) error {
	return c.unavailable(server)
}
