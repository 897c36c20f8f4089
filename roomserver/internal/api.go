// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"crypto/ed25519"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/internal/perform"
	"github.com/arbormsg/arbor/roomserver/producers"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/setup/config"
)

// RoomserverInternalAPI glues the admission engine, the perform paths and
// the read side together behind the public interface.
type RoomserverInternalAPI struct {
	*Queryer
	Inputer *input.Inputer
	Creator *perform.Creator
	Joiner  *perform.Joiner
	Leaver  *perform.Leaver
	Inviter *perform.Inviter
	Aliaser *perform.Aliaser
}

func NewRoomserverAPI(
	cfg *config.RoomServer, db *shared.Database,
	serverName, keyID string, privateKey ed25519.PrivateKey,
	fedClient fedapi.FederationClient, producer *producers.RoomEventProducer,
) *RoomserverInternalAPI {
	inputer := &input.Inputer{
		Cfg:        cfg,
		DB:         db,
		ServerName: serverName,
		KeyID:      keyID,
		PrivateKey: privateKey,
		FedClient:  fedClient,
		Producer:   producer,
	}
	return &RoomserverInternalAPI{
		Queryer: &Queryer{DB: db},
		Inputer: inputer,
		Creator: &perform.Creator{DB: db, Cfg: cfg, ServerName: serverName, Inputer: inputer},
		Joiner:  &perform.Joiner{DB: db, ServerName: serverName, Inputer: inputer, FedClient: fedClient},
		Leaver:  &perform.Leaver{DB: db, Inputer: inputer},
		Inviter: &perform.Inviter{DB: db, ServerName: serverName, Inputer: inputer, FedClient: fedClient},
		Aliaser: &perform.Aliaser{DB: db, ServerName: serverName},
	}
}

func (r *RoomserverInternalAPI) InputRoomEvents(
	ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse,
) {
	r.Inputer.InputRoomEvents(ctx, req, res)
}

func (r *RoomserverInternalAPI) PerformCreateRoom(
	ctx context.Context, req *api.PerformCreateRoomRequest, res *api.PerformCreateRoomResponse,
) error {
	return r.Creator.PerformCreateRoom(ctx, req, res)
}

func (r *RoomserverInternalAPI) PerformJoin(
	ctx context.Context, req *api.PerformJoinRequest, res *api.PerformJoinResponse,
) error {
	return r.Joiner.PerformJoin(ctx, req, res)
}

func (r *RoomserverInternalAPI) PerformLeave(
	ctx context.Context, req *api.PerformLeaveRequest, res *api.PerformLeaveResponse,
) error {
	return r.Leaver.PerformLeave(ctx, req, res)
}

func (r *RoomserverInternalAPI) PerformInvite(
	ctx context.Context, req *api.PerformInviteRequest, res *api.PerformInviteResponse,
) error {
	return r.Inviter.PerformInvite(ctx, req, res)
}

func (r *RoomserverInternalAPI) PerformSetRoomAlias(
	ctx context.Context, req *api.PerformSetRoomAliasRequest, res *api.PerformSetRoomAliasResponse,
) error {
	return r.Aliaser.PerformSetRoomAlias(ctx, req, res)
}
