// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
)

// Leaver admits self-leave membership events.
type Leaver struct {
	DB      *shared.Database
	Inputer *input.Inputer
}

func (l *Leaver) PerformLeave(
	ctx context.Context, req *api.PerformLeaveRequest, res *api.PerformLeaveResponse,
) error {
	info, err := l.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("l.DB.RoomInfo: %w", err)
	}
	if info == nil || info.Pending {
		return types.ErrRoomNotFound
	}

	template, err := auth.MembershipTemplate(req.UserID, req.UserID, auth.MembershipLeave)
	if err != nil {
		return err
	}
	_, verdict, err := l.Inputer.BuildAndAdmit(ctx, req.RoomID, &template)
	if err != nil {
		return err
	}
	res.Verdict = verdict
	return nil
}
