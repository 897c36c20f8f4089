// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/version"
	"github.com/arbormsg/arbor/setup/config"
)

// Creator builds new rooms by admitting the canonical bootstrap sequence.
type Creator struct {
	DB         *shared.Database
	Cfg        *config.RoomServer
	ServerName string
	Inputer    *input.Inputer
}

// PerformCreateRoom mints a room ID and admits the creation events one by
// one. The room stays pending, invisible to lookup and join, until the
// whole mandatory sequence has been accepted; a rejection mid-sequence
// fails the operation and leaves the room pending rather than half-made.
func (c *Creator) PerformCreateRoom(
	ctx context.Context, req *api.PerformCreateRoomRequest, res *api.PerformCreateRoomResponse,
) error {
	roomVer := version.DefaultRoomVersion()
	if c.Cfg.Matrix != nil && c.Cfg.Matrix.DefaultRoomVersion != "" {
		roomVer = version.RoomVersion(c.Cfg.Matrix.DefaultRoomVersion)
	}
	if req.RoomVersion != "" {
		roomVer = version.RoomVersion(req.RoomVersion)
	}
	if _, err := version.GetRoomVersion(roomVer); err != nil {
		return err
	}

	joinRule := ""
	if req.Public {
		joinRule = auth.JoinRulePublic
	}
	roomID := auth.GenerateRoomID(c.ServerName)
	templates, err := auth.CreationEvents(auth.CreationOptions{
		RoomID:      roomID,
		Creator:     req.Creator,
		RoomVersion: roomVer,
		JoinRule:    joinRule,
		Name:        req.Name,
		Topic:       req.Topic,
	})
	if err != nil {
		return fmt.Errorf("auth.CreationEvents: %w", err)
	}

	for i := range templates {
		template := templates[i]
		template.RoomVersion = string(roomVer)
		_, verdict, err := c.Inputer.BuildAndAdmit(ctx, roomID, &template)
		if err != nil {
			return fmt.Errorf("admitting creation event %s: %w", template.Type, err)
		}
		res.Verdicts = append(res.Verdicts, verdict)
		if !verdict.IsAllowed() {
			logrus.WithContext(ctx).WithFields(logrus.Fields{
				"room_id": roomID,
				"type":    template.Type,
				"reason":  verdict.Reason,
			}).Error("Room creation event rejected, aborting creation")
			return fmt.Errorf("creation event %s rejected: %s", template.Type, verdict.Reason)
		}
	}

	if req.Alias != "" {
		if err := c.DB.SetRoomAlias(ctx, req.Alias, roomID); err != nil {
			return fmt.Errorf("c.DB.SetRoomAlias: %w", err)
		}
	}

	res.RoomID = roomID
	return nil
}
