// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/arbormsg/arbor/roomserver/types"
)

// OutputEvent is one message on the output stream. Rejected events appear
// too, carrying their verdict, so consumers see the full admission record.
type OutputEvent struct {
	Position int64          `json:"position"`
	RoomID   string         `json:"room_id"`
	EventID  string         `json:"event_id"`
	Decision types.Decision `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	// EventJSON is only set for allowed events.
	EventJSON json.RawMessage `json:"event_json,omitempty"`
}
