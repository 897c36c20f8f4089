// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
)

// Aliaser maintains the local room address directory.
type Aliaser struct {
	DB         *shared.Database
	ServerName string
}

func (a *Aliaser) PerformSetRoomAlias(
	ctx context.Context, req *api.PerformSetRoomAliasRequest, res *api.PerformSetRoomAliasResponse,
) error {
	if !strings.HasPrefix(req.Alias, "#") || !strings.HasSuffix(req.Alias, ":"+a.ServerName) {
		return fmt.Errorf("alias %q is not on this server", req.Alias)
	}
	existing, err := a.DB.RoomIDForAlias(ctx, req.Alias)
	if err != nil {
		return fmt.Errorf("a.DB.RoomIDForAlias: %w", err)
	}
	if existing != "" {
		res.AliasExists = true
		return nil
	}
	return a.DB.SetRoomAlias(ctx, req.Alias, req.RoomID)
}
