// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
)

// Inviter admits invite membership events and forwards them to the
// invitee's server when it is remote.
type Inviter struct {
	DB         *shared.Database
	ServerName string
	Inputer    *input.Inputer
	FedClient  fedapi.FederationClient
}

func (i *Inviter) PerformInvite(
	ctx context.Context, req *api.PerformInviteRequest, res *api.PerformInviteResponse,
) error {
	info, err := i.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("i.DB.RoomInfo: %w", err)
	}
	if info == nil || info.Pending {
		return types.ErrRoomNotFound
	}

	template, err := auth.MembershipTemplate(req.Inviter, req.Invitee, auth.MembershipInvite)
	if err != nil {
		return err
	}
	event, verdict, err := i.Inputer.BuildAndAdmit(ctx, req.RoomID, &template)
	if err != nil {
		return err
	}
	res.Verdict = verdict
	if !verdict.IsAllowed() {
		return nil
	}

	// The invitee's server needs the event to show the invite to its user.
	// Delivery is best-effort; the invite is already part of the room.
	if domain := userDomain(req.Invitee); domain != "" && domain != i.ServerName {
		if err := i.FedClient.SendInvite(ctx, domain, event); err != nil {
			logrus.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id": req.RoomID,
				"invitee": req.Invitee,
			}).Warn("Failed to deliver invite to remote server")
		}
	}
	return nil
}

func userDomain(userID string) string {
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		return userID[i+1:]
	}
	return ""
}
